package fitting

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// FitProgress is the payload published for every accepted iteration and for
// the final result of a fit.
type FitProgress struct {
	Fit       string    `json:"fit"`
	Iteration int       `json:"iteration"`
	Value     float64   `json:"value"`
	Params    []float64 `json:"params,omitempty"`
	Stage     string    `json:"stage,omitempty"`
	Epoch     int       `json:"epoch,omitempty"`
	Done      bool      `json:"done"`
	Status    string    `json:"status,omitempty"`
	Timestamp int64     `json:"timestamp"`
}

// ProgressPublisher publishes fit progress to MQTT. It implements FitObserver
// so it can be handed straight to the drivers.
type ProgressPublisher struct {
	client        mqtt.Client
	publishPrefix string
	qos           byte
	retain        bool
	latest        map[string]*FitProgress
	mu            sync.RWMutex
}

// NewProgressPublisher creates a progress publisher. If client is nil,
// publishing is disabled (for testing and for runs without a broker).
func NewProgressPublisher(client mqtt.Client, prefix string) *ProgressPublisher {
	if prefix == "" {
		prefix = "cubefit"
	}
	return &ProgressPublisher{
		client:        client,
		publishPrefix: prefix,
		qos:           0,    // QoS 0 for progress updates (fire and forget)
		retain:        true, // retain for latest state
		latest:        make(map[string]*FitProgress),
	}
}

// Iteration publishes one accepted iteration. Errors are logged, not
// returned; a flaky broker must not interrupt a fit.
func (p *ProgressPublisher) Iteration(fit string, iter int, value float64, params []float64) {
	p.publish(&FitProgress{
		Fit:       fit,
		Iteration: iter,
		Value:     value,
		Params:    params,
		Timestamp: time.Now().Unix(),
	})
}

// EpochChisq publishes a per-epoch chi-square snapshot.
func (p *ProgressPublisher) EpochChisq(fit, stage string, epoch int, value float64) {
	p.publish(&FitProgress{
		Fit:       fit,
		Stage:     stage,
		Epoch:     epoch,
		Value:     value,
		Timestamp: time.Now().Unix(),
	})
}

// Done publishes the final diagnostics of a fit.
func (p *ProgressPublisher) Done(fit string, diag Diagnostics) {
	p.publish(&FitProgress{
		Fit:       fit,
		Iteration: diag.Iterations,
		Value:     diag.Value,
		Done:      true,
		Status:    diag.Status,
		Timestamp: time.Now().Unix(),
	})
}

func (p *ProgressPublisher) publish(progress *FitProgress) {
	if p.client == nil || !p.client.IsConnected() {
		return
	}

	p.mu.Lock()
	p.latest[progress.Fit] = progress
	p.mu.Unlock()

	// Individual topic: <prefix>/fit/<fit>
	if err := p.publishIndividual(progress); err != nil {
		log.Printf("Error publishing progress for %s: %v", progress.Fit, err)
		return
	}

	// Combined topic: <prefix>/fits
	if err := p.publishCombined(); err != nil {
		log.Printf("Error publishing combined fit state: %v", err)
	}
}

func (p *ProgressPublisher) publishIndividual(progress *FitProgress) error {
	topic := fmt.Sprintf("%s/fit/%s", p.publishPrefix, progress.Fit)

	payload, err := json.Marshal(progress)
	if err != nil {
		return fmt.Errorf("marshaling progress: %w", err)
	}

	token := p.client.Publish(topic, p.qos, p.retain, payload)
	if token.WaitTimeout(2*time.Second) && token.Error() != nil {
		return fmt.Errorf("publishing to %s: %w", topic, token.Error())
	}
	return nil
}

func (p *ProgressPublisher) publishCombined() error {
	p.mu.RLock()
	fits := make([]*FitProgress, 0, len(p.latest))
	for _, progress := range p.latest {
		fits = append(fits, progress)
	}
	p.mu.RUnlock()

	if len(fits) == 0 {
		return nil
	}

	topic := fmt.Sprintf("%s/fits", p.publishPrefix)

	message := map[string]interface{}{
		"fits":      fits,
		"timestamp": time.Now().Unix(),
	}
	payload, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("marshaling combined fit state: %w", err)
	}

	token := p.client.Publish(topic, p.qos, p.retain, payload)
	if token.WaitTimeout(2*time.Second) && token.Error() != nil {
		return fmt.Errorf("publishing to %s: %w", topic, token.Error())
	}
	return nil
}

// Latest returns the last published progress for a fit.
func (p *ProgressPublisher) Latest(fit string) (*FitProgress, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	progress, ok := p.latest[fit]
	return progress, ok
}

// Clear removes a fit's retained state (e.g., before a re-run).
func (p *ProgressPublisher) Clear(fit string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.latest, fit)
}

// SetQoS sets the Quality of Service level for publishing (0, 1, or 2).
func (p *ProgressPublisher) SetQoS(qos byte) {
	if qos <= 2 {
		p.qos = qos
	}
}

// SetRetain sets whether published messages should be retained by the broker.
func (p *ProgressPublisher) SetRetain(retain bool) {
	p.retain = retain
}

// NewMQTTClient builds and connects a paho client from the config section.
func NewMQTTClient(cfg *MQTTConfig) (mqtt.Client, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	if cfg.ClientID != "" {
		opts.SetClientID(cfg.ClientID)
	}
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetConnectTimeout(5 * time.Second)

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return nil, fmt.Errorf("connecting to MQTT broker %s: timeout", cfg.Broker)
	}
	if token.Error() != nil {
		return nil, fmt.Errorf("connecting to MQTT broker %s: %w", cfg.Broker, token.Error())
	}
	return client, nil
}
