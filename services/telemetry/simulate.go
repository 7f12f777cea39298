package main

import (
	"context"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/relabs-tech/telemetry/core/logger"
	"github.com/relabs-tech/telemetry/iot/telemetry"
)

type simulateOptions struct {
	broker     string
	deviceID   string
	secret     string
	caFile     string
	bufferSize int
	interval   time.Duration
	batches    int
}

var simulation = simulateOptions{}

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Simulate a temperature sensor publishing buffered readings",
	Long: `simulate connects to the broker as a device and publishes batches of
temperature readings to devices/{id}/temperature at QoS 1.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		if len(simulation.secret) == 0 {
			simulation.secret = os.Getenv("DEVICE_SECRET")
		}
		return simulate(ctx, simulation)
	},
}

func init() {
	flags := simulateCmd.Flags()
	flags.StringVar(&simulation.broker, "broker", "tcp://localhost:1883", "broker url, use ssl:// for TLS")
	flags.StringVar(&simulation.deviceID, "device", "", "device id (default sensor-<uuid>)")
	flags.StringVar(&simulation.secret, "secret", "", "device secret (default $DEVICE_SECRET)")
	flags.StringVar(&simulation.caFile, "ca", "", "trusted CA for the broker certificate")
	flags.IntVar(&simulation.bufferSize, "buffer", 5, "readings per published batch")
	flags.DurationVar(&simulation.interval, "interval", 2*time.Second, "time between two readings")
	flags.IntVar(&simulation.batches, "batches", 0, "stop after this many batches, 0 runs until interrupted")
}

// Reading is a single simulated sensor value
type Reading struct {
	Temperature float64 `json:"temperature"`
	Timestamp   int64   `json:"timestamp"`
	DeviceID    string  `json:"deviceId"`
	Battery     float64 `json:"battery"`
}

// Batch is the payload of one publish
type Batch struct {
	Device string `json:"device"`
	// Temperature is the mean of the readings, it feeds the history aggregation
	Temperature float64   `json:"temperature"`
	Readings    []Reading `json:"readings"`
	Checksum    string    `json:"checksum"`
}

func round2(f float64) float64 {
	return math.Round(f*100) / 100
}

// newReading simulates a sensor around 22 degrees with a slow sine drift and noise.
// The battery drains with the number of buffered readings.
func newReading(deviceID string, now time.Time, buffered int, rnd *rand.Rand) Reading {
	minutes := float64(now.UnixMilli()) / 60000
	temperature := 22 + math.Sin(minutes)*5 + rnd.Float64()*2 + (rnd.Float64() - 0.5)
	return Reading{
		Temperature: round2(temperature),
		Timestamp:   now.UnixMilli(),
		DeviceID:    deviceID,
		Battery:     round2(95 - float64(buffered)*0.1),
	}
}

// newBatch builds the payload for readings. The checksum is the hex encoded sha256
// of the JSON encoded readings.
func newBatch(deviceID string, readings []Reading) ([]byte, error) {
	if len(readings) == 0 {
		return nil, errors.New("no readings")
	}
	encoded, err := json.Marshal(readings)
	if err != nil {
		return nil, err
	}
	sum := sha256.Sum256(encoded)
	total := 0.0
	for _, r := range readings {
		total += r.Temperature
	}
	return json.Marshal(Batch{
		Device:      deviceID,
		Temperature: round2(total / float64(len(readings))),
		Readings:    readings,
		Checksum:    hex.EncodeToString(sum[:]),
	})
}

func simulate(ctx context.Context, o simulateOptions) error {
	if len(o.secret) == 0 {
		return errors.New("device secret is missing, use --secret or DEVICE_SECRET")
	}
	if len(o.deviceID) == 0 {
		o.deviceID = "sensor-" + uuid.New().String()
	}
	if o.bufferSize <= 0 {
		o.bufferSize = 1
	}
	rlog := logger.Default().WithField("device", o.deviceID)

	opts := paho.NewClientOptions()
	opts.AddBroker(o.broker)
	opts.SetClientID(o.deviceID)
	opts.SetUsername(o.deviceID)
	opts.SetPassword(o.secret)
	opts.SetProtocolVersion(4)
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(5 * time.Second)
	opts.SetConnectTimeout(10 * time.Second)
	opts.SetConnectionLostHandler(func(_ paho.Client, err error) {
		rlog.WithError(err).Warnln("connection lost, reconnecting")
	})
	opts.SetOnConnectHandler(func(_ paho.Client) {
		rlog.Infoln("connected to broker", o.broker)
	})
	if len(o.caFile) > 0 {
		pem, err := os.ReadFile(o.caFile)
		if err != nil {
			return err
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return fmt.Errorf("no certificates in %s", o.caFile)
		}
		opts.SetTLSConfig(&tls.Config{RootCAs: pool, MinVersion: tls.VersionTLS12})
	}

	client := paho.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return errors.New("timeout connecting to broker")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("cannot connect to broker: %w", err)
	}
	defer func() {
		rlog.Infoln("disconnecting")
		client.Disconnect(250)
	}()

	topic := telemetry.DeviceTopic(o.deviceID, "temperature")
	rnd := rand.New(rand.NewSource(time.Now().UnixNano()))
	ticker := time.NewTicker(o.interval)
	defer ticker.Stop()

	var buffer []Reading
	published := 0
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			buffer = append(buffer, newReading(o.deviceID, now, len(buffer), rnd))
			if len(buffer) < o.bufferSize {
				continue
			}
			payload, err := newBatch(o.deviceID, buffer)
			if err != nil {
				return err
			}
			buffer = nil
			token := client.Publish(topic, byte(telemetry.QoSAtLeastOnce), false, payload)
			if token.WaitTimeout(10*time.Second) && token.Error() != nil {
				rlog.WithError(token.Error()).Errorln("publish error")
				continue
			}
			published++
			rlog.Infof("sent %d readings", o.bufferSize)
			if o.batches > 0 && published >= o.batches {
				return nil
			}
		}
	}
}
