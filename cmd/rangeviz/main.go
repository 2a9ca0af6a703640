// Command rangeviz is a terminal dashboard for a running node's websocket
// reporting feed (uwbmesh/report/wsfeed): it renders the peer table, the
// recent range stream, and the system log side by side, refreshed live as
// `!range`/`!id`/`!remove` lines and periodic JSON snapshots arrive.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/gorilla/websocket"
	"github.com/rivo/tview"

	"uwbmesh/ranging"
)

func main() {
	addr := flag.String("addr", "ws://127.0.0.1:8090/feed", "websocket URL of a node's report feed")
	flag.Parse()

	app := tview.NewApplication()

	peers := tview.NewTextView().SetDynamicColors(true).SetScrollable(true)
	peers.SetBorder(true).SetTitle(" Peers ")

	ranges := tview.NewTextView().SetDynamicColors(true).SetScrollable(true)
	ranges.SetBorder(true).SetTitle(" Ranges ")

	system := tview.NewTextView().SetDynamicColors(true).SetScrollable(true)
	system.SetBorder(true).SetTitle(" System ")

	status := tview.NewTextView().SetDynamicColors(true)
	status.SetText(fmt.Sprintf("[yellow]connecting to %s...[-]", *addr))

	layout := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(status, 1, 0, false).
		AddItem(
			tview.NewFlex().
				AddItem(peers, 0, 1, false).
				AddItem(ranges, 0, 1, false).
				AddItem(system, 0, 1, false),
			0, 1, false,
		)

	app.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		if event.Key() == tcell.KeyEsc || event.Rune() == 'q' {
			app.Stop()
			return nil
		}
		return event
	})

	go connectLoop(app, *addr, status, peers, ranges, system)

	if err := app.SetRoot(layout, true).SetFocus(layout).Run(); err != nil {
		log.Fatalf("rangeviz: %v", err)
	}
}

// connectLoop dials addr and, on a failed dial or a lost connection,
// retries forever after a fixed 2s pause.
func connectLoop(app *tview.Application, addr string, status, peers, ranges, system *tview.TextView) {
	for {
		conn, _, err := websocket.DefaultDialer.Dial(addr, nil)
		if err != nil {
			app.QueueUpdateDraw(func() {
				status.SetText(fmt.Sprintf("[red]dial failed: %v, retrying...[-]", err))
			})
			time.Sleep(2 * time.Second)
			continue
		}

		app.QueueUpdateDraw(func() {
			status.SetText(fmt.Sprintf("[green]connected to %s[-]", addr))
		})

		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				app.QueueUpdateDraw(func() {
					status.SetText(fmt.Sprintf("[red]connection lost: %v, reconnecting...[-]", err))
				})
				conn.Close()
				break
			}
			handleMessage(app, msg, peers, ranges, system)
		}
		time.Sleep(2 * time.Second)
	}
}

func handleMessage(app *tview.Application, msg []byte, peers, ranges, system *tview.TextView) {
	trimmed := bytes.TrimSpace(msg)
	if len(trimmed) == 0 {
		return
	}

	if trimmed[0] == '{' {
		var snap ranging.Snapshot
		if err := json.Unmarshal(trimmed, &snap); err != nil {
			return
		}
		app.QueueUpdateDraw(func() {
			renderSnapshot(peers, snap)
		})
		return
	}

	line := string(trimmed)
	app.QueueUpdateDraw(func() {
		switch {
		case strings.HasPrefix(line, "!range"):
			fmt.Fprintln(ranges, tview.Escape(line))
		default:
			fmt.Fprintln(system, tview.Escape(line))
		}
	})
}

func renderSnapshot(peers *tview.TextView, snap ranging.Snapshot) {
	peers.Clear()
	for _, p := range snap.Peers {
		fmt.Fprintf(peers, "id=%-3d tx=%-4d missed=%-2d range=%.3fm\n", p.ID, p.TxCount, p.Missed, p.LastRangeM)
	}
}
