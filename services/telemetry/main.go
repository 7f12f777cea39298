package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/spf13/cobra"

	"github.com/relabs-tech/telemetry/core/logger"
)

// Service holds the configuration for this service
//
// use POSTGRES="host=localhost port=5432 user=postgres dbname=postgres sslmode=disable"
type Service struct {
	Postgres         string `env:"POSTGRES" description:"the connection string for the Postgres DB without password"`
	PostgresPassword string `env:"POSTGRES_PASSWORD" description:"password for the Postgres DB"`
	PostgresSchema   string `env:"POSTGRES_SCHEMA,default=telemetry" description:"database schema for all tables"`
	PostgresMaxConns int    `env:"POSTGRES_MAX_CONNS,default=10" description:"upper bound of concurrent queries"`

	JWTSecret string `env:"JWT_SECRET" description:"HMAC secret for dashboard bearer tokens"`

	HTTPAddr    string `env:"HTTP_ADDR,default=:3000" description:"listen address of the REST and websocket server"`
	MQTTAddr    string `env:"MQTT_ADDR,default=:1883" description:"listen address of the device broker"`
	MQTTTLSCert string `env:"MQTT_TLS_CERT" description:"server certificate, enables TLS on the broker"`
	MQTTTLSKey  string `env:"MQTT_TLS_KEY" description:"server key"`
	MQTTTLSCA   string `env:"MQTT_TLS_CA" description:"CA for client certificates, enables mutual TLS"`
	MetricsAddr string `env:"METRICS_ADDR,default=:9100" description:"listen address of the prometheus endpoint"`
	LogLevel    string `env:"LOG_LEVEL,default=info" description:"debug, info, warn or error"`

	SnapshotLimit    int           `env:"SNAPSHOT_LIMIT,default=100" description:"records sent to a session on subscribe"`
	SessionQueueSize int           `env:"SESSION_QUEUE_SIZE,default=256" description:"outbound queue capacity per session"`
	HandshakeTimeout time.Duration `env:"HANDSHAKE_TIMEOUT,default=10s" description:"deadline for the device CONNECT"`
	StoreMaxRetries  int           `env:"STORE_MAX_RETRIES,default=3" description:"retries after a failed append"`
	ViolationLimit   int           `env:"VIOLATION_LIMIT,default=10" description:"authorization violations per minute before disconnect"`

	PayloadSchemas string `env:"PAYLOAD_SCHEMAS" description:"directory of <subtopic>.json payload schemas"`
	KafkaBrokers   string `env:"KAFKA_BROKERS" description:"comma separated kafka brokers, enables the kafka forwarder"`
	KafkaTopic     string `env:"KAFKA_TOPIC,default=telemetry_readings" description:"kafka topic for accepted readings"`
	NATSURL        string `env:"NATS_URL" description:"nats server url, enables the nats forwarder"`
}

var (
	service  = &Service{}
	logLevel string
)

var rootCmd = &cobra.Command{
	Use:   "telemetry",
	Short: "telemetry ingests device readings and streams them to dashboards",
	Long: `telemetry runs an MQTT broker for devices, persists every accepted reading
and fans readings out to authorized websocket sessions.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := envdecode.Decode(service); err != nil {
			return fmt.Errorf("cannot decode environment: %w", err)
		}
		if cmd.Flags().Changed("log-level") {
			service.LogLevel = logLevel
		}
		logger.InitLogger(logger.ParseLevel(service.LogLevel))
		return nil
	},
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "L", "info", "log at this level (debug, info, warn, error)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(simulateCmd)
	rootCmd.AddCommand(deviceCmd)
	rootCmd.AddCommand(tokenCmd)
}

// splitList splits a comma separated list and drops empty elements
func splitList(s string) []string {
	var result []string
	for _, element := range strings.Split(s, ",") {
		if element = strings.TrimSpace(element); len(element) > 0 {
			result = append(result, element)
		}
	}
	return result
}
