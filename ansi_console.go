package main

import (
	"bytes"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	"uwbmesh/config"
)

// ansiConsole is a lightweight, fixed-buffer console renderer that uses ANSI
// escape codes. It is selected solely via ui.mode=ansi in the YAML config.
// It keeps three ring-buffered panes (peers, ranges, system log) under a
// stats header. Rendering itself is delegated to consoleLayout, which pins
// the header to the top rows via a scroll region instead of a full clear on
// every tick when the terminal supports it.
type ansiConsole struct {
	mu        sync.Mutex
	stats     []string
	peers     ringPane
	ranges    ringPane
	system    ringPane
	refresh   time.Duration
	quit      chan struct{}
	writer    *ansiWriter
	isTTY     bool
	color     bool
	layout    *consoleLayout
	snapPeers []string
	snapRange []string
	snapSys   []string
	stopOnce  sync.Once
}

type ringPane struct {
	lines []string
	idx   int
	count int
}

// uiSurface is the interface the node daemon drives; ansiConsole is the
// sole production implementation.
type uiSurface interface {
	WaitReady()
	Stop()
	SetStats(lines []string)
	AppendPeer(line string)
	AppendRange(line string)
	AppendSystem(line string)
	SystemWriter() io.Writer
}

func newANSIConsole(uiCfg config.UIConfig, allowRender bool) uiSurface {
	if !allowRender {
		return nil
	}

	refresh := time.Duration(uiCfg.RefreshMS) * time.Millisecond
	if refresh < 0 {
		refresh = 0
	}
	const minRefresh = 16 * time.Millisecond
	if refresh > 0 && refresh < minRefresh {
		log.Printf("UI: clamping refresh interval to %dms (requested %dms too low)", minRefresh/time.Millisecond, refresh/time.Millisecond)
		refresh = minRefresh
	}

	statsLines := 1
	peerLines := uiCfg.PaneLines.Peers
	if peerLines <= 0 {
		peerLines = 1
	}
	rangeLines := uiCfg.PaneLines.Ranges
	if rangeLines <= 0 {
		rangeLines = 1
	}
	systemLines := uiCfg.PaneLines.System
	if systemLines <= 0 {
		systemLines = 1
	}

	if !enableVirtualTerminal() {
		log.Println("UI: failed to enable ANSI processing on this console, escape codes may render literally")
	}

	c := &ansiConsole{
		stats:     make([]string, statsLines),
		peers:     ringPane{lines: make([]string, peerLines)},
		ranges:    ringPane{lines: make([]string, rangeLines)},
		system:    ringPane{lines: make([]string, systemLines)},
		refresh:   refresh,
		quit:      make(chan struct{}),
		isTTY:     true, // caller only constructs when rendering is permitted
		color:     uiCfg.Color,
		layout:    newConsoleLayout(os.Stdout, uiCfg.ClearScreen, int(os.Stdout.Fd())),
		snapPeers: make([]string, peerLines),
		snapRange: make([]string, rangeLines),
		snapSys:   make([]string, systemLines),
	}
	c.writer = &ansiWriter{append: c.AppendSystem, color: uiCfg.Color}

	// Only render when a TTY is present and refresh is positive.
	if c.isTTY && c.refresh > 0 {
		go c.refreshLoop()
	}

	return c
}

func (c *ansiConsole) WaitReady() {}

func (c *ansiConsole) Stop() {
	if c == nil {
		return
	}
	c.stopOnce.Do(func() {
		close(c.quit)
		c.layout.Close()
	})
}

func (c *ansiConsole) SetStats(lines []string) {
	if c == nil {
		return
	}
	c.mu.Lock()
	limit := len(lines)
	if limit > len(c.stats) {
		limit = len(c.stats)
	}
	copy(c.stats, lines[:limit])
	for i := limit; i < len(c.stats); i++ {
		c.stats[i] = ""
	}
	c.mu.Unlock()
}

func (c *ansiConsole) AppendPeer(line string)   { c.append(&c.peers, line) }
func (c *ansiConsole) AppendRange(line string)  { c.append(&c.ranges, line) }
func (c *ansiConsole) AppendSystem(line string) { c.append(&c.system, line) }

func (c *ansiConsole) SystemWriter() io.Writer {
	if c == nil {
		return nil
	}
	return c.writer
}

func (c *ansiConsole) append(pane *ringPane, line string) {
	if c == nil || pane == nil {
		return
	}
	line = applyANSIMarkup(line, c.color)
	c.mu.Lock()
	if len(pane.lines) == 0 {
		c.mu.Unlock()
		return
	}
	pane.lines[pane.idx] = line
	pane.idx = (pane.idx + 1) % len(pane.lines)
	if pane.count < len(pane.lines) {
		pane.count++
	}
	c.mu.Unlock()
}

func (c *ansiConsole) refreshLoop() {
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "ANSI console panic: %v\n", r)
		}
	}()
	ticker := time.NewTicker(c.refresh)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.render()
		case <-c.quit:
			return
		}
	}
}

func (c *ansiConsole) render() {
	if c == nil || !c.isTTY {
		return
	}

	c.mu.Lock()
	stats := make([]string, len(c.stats))
	copy(stats, c.stats[:])
	peers := snapshotPane(&c.peers, c.snapPeers)
	ranges := snapshotPane(&c.ranges, c.snapRange)
	system := snapshotPane(&c.system, c.snapSys)
	c.mu.Unlock()

	var header []string
	header = append(header, stats...)
	header = appendPane(header, "---- Peers ----", peers)
	header = appendPane(header, "---- Ranges ----", ranges)
	header = appendPane(header, "---- System ----", system)
	c.layout.Render(header)
}

func appendPane(dst []string, title string, lines []string) []string {
	dst = append(dst, title)
	dst = append(dst, lines...)
	return dst
}

func snapshotPane(p *ringPane, buf []string) []string {
	if p == nil || len(p.lines) == 0 || p.count == 0 || len(buf) == 0 {
		return buf[:0]
	}
	start := p.idx - p.count
	if start < 0 {
		start += len(p.lines)
	}
	limit := p.count
	if limit > len(buf) {
		limit = len(buf)
	}
	for i := 0; i < limit; i++ {
		pos := (start + i) % len(p.lines)
		buf[i] = p.lines[pos]
	}
	return buf[:limit]
}

type ansiWriter struct {
	append func(string)
	buf    []byte
	color  bool
	mu     sync.Mutex
}

func (w *ansiWriter) Write(p []byte) (int, error) {
	if w == nil || w.append == nil {
		return len(p), nil
	}
	w.mu.Lock()
	w.buf = append(w.buf, p...)
	data := w.buf
	w.mu.Unlock()

	for {
		idx := bytes.IndexByte(data, '\n')
		if idx == -1 {
			break
		}
		line := strings.TrimRight(string(data[:idx]), "\r")
		line = applyANSIMarkup(line, w.color)
		w.append(line)
		data = data[idx+1:]
	}

	w.mu.Lock()
	const maxWriterBufferSize = 16 * 1024
	if len(data) > maxWriterBufferSize {
		// Drop overflow by forcing a flush of the partial line to avoid unbounded growth.
		trimmed := strings.TrimRight(string(data), "\r")
		if trimmed != "" {
			w.append(applyANSIMarkup(trimmed, w.color))
		}
		data = data[:0]
	}
	w.buf = data
	w.mu.Unlock()
	return len(p), nil
}

func applyANSIMarkup(line string, enableColor bool) string {
	if line == "" {
		return line
	}
	if enableColor {
		// Heuristic: any markup brackets triggers a reset append after replacement.
		hasMarkup := strings.Contains(line, "[")
		line = ansiColorReplacer.Replace(line)
		if hasMarkup {
			line += resetANSI
		}
		return line
	}
	return ansiStripReplacer.Replace(line)
}

const resetANSI = "\x1b[0m"

var ansiColorReplacer = strings.NewReplacer(
	"[red]", "\x1b[31m",
	"[green]", "\x1b[32m",
	"[yellow]", "\x1b[33m",
	"[blue]", "\x1b[34m",
	"[magenta]", "\x1b[35m",
	"[cyan]", "\x1b[36m",
	"[white]", "\x1b[37m",
	"[-]", resetANSI,
)

var ansiStripReplacer = strings.NewReplacer(
	"[red]", "",
	"[green]", "",
	"[yellow]", "",
	"[blue]", "",
	"[magenta]", "",
	"[cyan]", "",
	"[white]", "",
	"[-]", "",
)
