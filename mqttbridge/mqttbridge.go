// Package mqttbridge publishes accepted ranges to an MQTT broker for a
// downstream positioning/fusion service to consume. This package only
// publishes measurements; it never computes position itself.
package mqttbridge

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// backoff is a doubling, capped reconnect delay. Reset returns the
// schedule to its base delay rather than to zero, so a subsequent failure
// starts the doubling sequence over instead of hammering the broker with
// zero-delay retries.
type backoff struct {
	base time.Duration
	max  time.Duration
	cur  time.Duration
}

func newBackoff(base, max time.Duration) *backoff {
	if base <= 0 {
		base = time.Second
	}
	if max < base {
		max = base
	}
	return &backoff{base: base, max: max, cur: base}
}

func (b *backoff) Next() time.Duration {
	d := b.cur
	b.cur *= 2
	if b.cur > b.max {
		b.cur = b.max
	}
	return d
}

func (b *backoff) Reset() { b.cur = b.base }

// rangeMessage is the JSON payload published per accepted range.
type rangeMessage struct {
	FromID int     `json:"from_id"`
	ToID   int     `json:"to_id"`
	Meters float64 `json:"meters"`
	AtUnix int64   `json:"at_unix"`
}

// Publisher publishes one message per accepted range to topic
// uwbmesh/range/<from_id>/<to_id>. A failed or lost broker connection is
// re-dialed by a background loop whose delay doubles per attempt (base 1s,
// capped at 30s) and resets on success; paho's built-in retry is disabled
// so the backoff schedule is the only thing pacing reconnects.
type Publisher struct {
	mu           sync.Mutex
	client       mqtt.Client
	backoff      *backoff
	log          *log.Logger
	reconnecting bool

	closed    chan struct{}
	closeOnce sync.Once
}

// NewPublisher prepares a client for broker (a full MQTT broker URL, e.g.
// "tcp://localhost:1883") identifying as clientID. No connection is made
// until Connect.
func NewPublisher(broker, clientID string, logger *log.Logger) *Publisher {
	if logger == nil {
		logger = log.Default()
	}
	p := &Publisher{
		backoff: newBackoff(time.Second, 30*time.Second),
		log:     logger,
		closed:  make(chan struct{}),
	}

	opts := mqtt.NewClientOptions().
		AddBroker(broker).
		SetClientID(clientID).
		SetAutoReconnect(false).
		SetConnectRetry(false).
		SetOnConnectHandler(func(mqtt.Client) {
			p.mu.Lock()
			p.backoff.Reset()
			p.mu.Unlock()
			p.log.Printf("mqttbridge: connected to %s", broker)
		}).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			p.log.Printf("mqttbridge: connection lost: %v", err)
			go p.reconnect()
		})

	p.client = mqtt.NewClient(opts)
	return p
}

// Connect makes one dial attempt. On failure it leaves the background
// reconnect loop retrying on the backoff schedule and returns the error, so
// callers can log "continuing without publishing" while the bridge keeps
// trying on its own.
func (p *Publisher) Connect() error {
	token := p.client.Connect()
	token.Wait()
	if err := token.Error(); err != nil {
		go p.reconnect()
		return err
	}
	return nil
}

// reconnect re-dials the broker until a dial succeeds or the publisher is
// closed, sleeping the doubling backoff between attempts. Only one loop
// runs at a time.
func (p *Publisher) reconnect() {
	p.mu.Lock()
	if p.reconnecting {
		p.mu.Unlock()
		return
	}
	p.reconnecting = true
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		p.reconnecting = false
		p.mu.Unlock()
	}()

	for {
		p.mu.Lock()
		delay := p.backoff.Next()
		p.mu.Unlock()

		select {
		case <-p.closed:
			return
		case <-time.After(delay):
		}

		if p.client.IsConnected() {
			return
		}
		token := p.client.Connect()
		token.Wait()
		if token.Error() == nil {
			return
		}
		p.log.Printf("mqttbridge: reconnect failed: %v", token.Error())
	}
}

// Publish sends one range measurement as a QoS-0, non-retained message to
// uwbmesh/range/<fromID>/<toID>.
func (p *Publisher) Publish(fromID, toID uint8, meters float64) error {
	msg := rangeMessage{FromID: int(fromID), ToID: int(toID), Meters: meters, AtUnix: time.Now().Unix()}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("mqttbridge: marshal: %w", err)
	}
	topic := fmt.Sprintf("uwbmesh/range/%d/%d", fromID, toID)
	token := p.client.Publish(topic, 0, false, data)
	token.Wait()
	return token.Error()
}

// Close stops the reconnect loop and disconnects from the broker, waiting
// up to 250ms for in-flight publishes to drain.
func (p *Publisher) Close() {
	p.closeOnce.Do(func() { close(p.closed) })
	p.client.Disconnect(250)
}
