package mqtt

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/DrmagicE/gmqtt"
	"github.com/DrmagicE/gmqtt/pkg/packets"

	"github.com/relabs-tech/telemetry/core/logger"
	"github.com/relabs-tech/telemetry/iot/gateway"
	"github.com/relabs-tech/telemetry/iot/telemetry"
)

// Gateway is the ingestion gateway as seen by the broker, see gateway.Gateway
type Gateway interface {
	Connect(ctx context.Context, deviceID, secret string) (*gateway.Connection, error)
	Publish(ctx context.Context, conn *gateway.Connection, topic string, payload []byte, qos telemetry.QoS) (int64, error)
	Disconnect(conn *gateway.Connection)
	HandshakeTimeout() time.Duration
}

// Broker is the device facing MQTT broker. Devices authenticate with
// clientId = username = device id and password = device secret.
type Broker struct {
	p    *plugin
	run  func()
	stop func(ctx context.Context)
}

// Builder is a builder helper for the Broker
type Builder struct {
	// Gateway is the ingestion gateway. This is mandatory.
	Gateway Gateway
	// Listener is an already bound listener. If nil, the broker listens on Addr.
	Listener net.Listener
	// Addr is the TCP address, for example ":1883"
	Addr string
	// CertFile is the file path to the X.509 certificate file. Enables TLS together with KeyFile.
	CertFile string
	// KeyFile is the file path to the X.509 private key file.
	KeyFile string
	// CACertFile is the file path to a certificate authority. If set, devices must
	// present a client certificate signed by it in addition to their secret.
	CACertFile string
}

// plugin is the plugin for GMQTT
type plugin struct {
	gateway Gateway

	mutex       sync.RWMutex
	connections map[net.Conn]*gateway.Connection
	handshakes  map[net.Conn]*time.Timer
}

// NewBroker returns a new broker. The broker will not accept connections until you
// call Start()
func NewBroker(bb *Builder) (*Broker, error) {
	if bb.Gateway == nil {
		panic("Gateway is missing")
	}

	ln := bb.Listener
	if ln == nil {
		tlsConfig, err := tlsConfig(bb)
		if err != nil {
			return nil, err
		}
		if tlsConfig != nil {
			ln, err = tls.Listen("tcp", bb.Addr, tlsConfig)
		} else {
			ln, err = net.Listen("tcp", bb.Addr)
		}
		if err != nil {
			return nil, fmt.Errorf("cannot listen on %s: %w", bb.Addr, err)
		}
	}

	p := &plugin{
		gateway:     bb.Gateway,
		connections: make(map[net.Conn]*gateway.Connection),
		handshakes:  make(map[net.Conn]*time.Timer),
	}
	s := gmqtt.NewServer(
		gmqtt.WithTCPListener(ln),
		gmqtt.WithPlugin(p),
	)
	b := &Broker{
		p:    p,
		run:  func() { s.Run() },
		stop: func(ctx context.Context) { s.Stop(ctx) },
	}
	return b, nil
}

func tlsConfig(bb *Builder) (*tls.Config, error) {
	if len(bb.CertFile) == 0 && len(bb.KeyFile) == 0 {
		return nil, nil
	}
	crt, err := tls.LoadX509KeyPair(bb.CertFile, bb.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("cannot load broker certificate: %w", err)
	}
	config := &tls.Config{
		Certificates: []tls.Certificate{crt},
		MinVersion:   tls.VersionTLS12,
	}
	if len(bb.CACertFile) > 0 {
		caCert, err := os.ReadFile(bb.CACertFile)
		if err != nil {
			return nil, fmt.Errorf("cannot read ca certificate: %w", err)
		}
		caCertPool := x509.NewCertPool()
		if !caCertPool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("no certificates in %s", bb.CACertFile)
		}
		config.ClientCAs = caCertPool
		config.ClientAuth = tls.RequireAndVerifyClientCert
	}
	return config, nil
}

// Start starts serving devices. It does not block.
func (b *Broker) Start() {
	b.run()
	logger.Default().Infoln("mqtt broker started")
}

// Stop stops the broker and disconnects all devices
func (b *Broker) Stop(ctx context.Context) {
	b.stop(ctx)
	logger.Default().Infoln("mqtt broker stopped")
}

// Connections returns the number of authenticated device connections
func (b *Broker) Connections() int {
	b.p.mutex.RLock()
	defer b.p.mutex.RUnlock()
	return len(b.p.connections)
}

// Load implements plugin interface
func (p *plugin) Load(service gmqtt.Server) error {
	return nil
}

// Unload implements plugin interface
func (p *plugin) Unload() error {
	return nil
}

// Name implements plugin interface
func (p *plugin) Name() string { return "telemetry gateway" }

// HookWrapper implements plugin interface
func (p *plugin) HookWrapper() gmqtt.HookWrapper {
	return gmqtt.HookWrapper{
		OnAcceptWrapper:     p.OnAcceptWrapper,
		OnConnectWrapper:    p.OnConnectWrapper,
		OnSubscribeWrapper:  p.OnSubscribeWrapper,
		OnMsgArrivedWrapper: p.OnMsgArrivedWrapper,
		OnCloseWrapper:      p.OnCloseWrapper,
	}
}

func (p *plugin) connection(conn net.Conn) *gateway.Connection {
	p.mutex.RLock()
	defer p.mutex.RUnlock()
	return p.connections[conn]
}

// OnAcceptWrapper arms the handshake deadline. A connection that did not authenticate
// in time is closed.
func (p *plugin) OnAcceptWrapper(accept gmqtt.OnAccept) gmqtt.OnAccept {
	return func(ctx context.Context, conn net.Conn) bool {
		timer := time.AfterFunc(p.gateway.HandshakeTimeout(), func() {
			p.mutex.Lock()
			_, pending := p.handshakes[conn]
			delete(p.handshakes, conn)
			p.mutex.Unlock()
			if pending {
				logger.Security(ctx).WithField("remote", conn.RemoteAddr().String()).Warnln("handshake timeout")
				conn.Close()
			}
		})
		p.mutex.Lock()
		p.handshakes[conn] = timer
		p.mutex.Unlock()
		return accept(ctx, conn)
	}
}

// OnConnectWrapper authenticates the device with its secret. The client id must be
// the device id.
func (p *plugin) OnConnectWrapper(connect gmqtt.OnConnect) gmqtt.OnConnect {
	return func(ctx context.Context, client gmqtt.Client) (code uint8) {
		options := client.OptionsReader()
		deviceID := options.Username()
		if options.ClientID() != deviceID {
			logger.Security(ctx).Warnln("connect denied, client id", options.ClientID(), "does not match", deviceID)
			return packets.CodeNotAuthorized
		}

		conn, err := p.gateway.Connect(ctx, deviceID, string(options.Password()))
		if err != nil {
			if errors.Is(err, telemetry.ErrAuth) {
				return packets.CodeBadUsernameorPsw
			}
			return packets.CodeNotAuthorized
		}

		netConn := client.Connection()
		p.mutex.Lock()
		if timer, ok := p.handshakes[netConn]; ok {
			timer.Stop()
			delete(p.handshakes, netConn)
		}
		p.connections[netConn] = conn
		p.mutex.Unlock()
		return connect(ctx, client)
	}
}

// OnMsgArrivedWrapper hands every publish to the gateway. Rejected publishes are
// dropped. If the reading could not be stored the connection is closed, so the
// device redelivers the unacknowledged publish after reconnecting.
func (p *plugin) OnMsgArrivedWrapper(arrived gmqtt.OnMsgArrived) gmqtt.OnMsgArrived {
	return func(ctx context.Context, client gmqtt.Client, msg packets.Message) (valid bool) {
		netConn := client.Connection()
		conn := p.connection(netConn)
		if conn == nil {
			netConn.Close()
			return false
		}

		qos := telemetry.QoSAtLeastOnce
		if msg.Qos() == packets.QOS_0 {
			qos = telemetry.QoSAtMostOnce
		}
		_, err := p.gateway.Publish(conn.Context(), conn, msg.Topic(), msg.Payload(), qos)
		switch {
		case err == nil:
			return arrived(ctx, client, msg)
		case errors.Is(err, telemetry.ErrAuthz):
			if conn.ShouldDisconnect() {
				netConn.Close()
			}
		case errors.Is(err, telemetry.ErrStore):
			logger.FromContext(conn.Context()).Warnln("closing connection, reading not stored")
			netConn.Close()
		default:
			logger.FromContext(conn.Context()).WithError(err).Errorln("publish failed")
			netConn.Close()
		}
		return false
	}
}

// OnSubscribeWrapper restricts devices to their own topics
func (p *plugin) OnSubscribeWrapper(subscribe gmqtt.OnSubscribe) gmqtt.OnSubscribe {
	return func(ctx context.Context, client gmqtt.Client, topic packets.Topic) (qos uint8) {
		conn := p.connection(client.Connection())
		if conn == nil || !ownTopic(conn.DeviceID(), topic.Name) {
			rlog := logger.Security(ctx)
			if conn != nil {
				rlog = logger.Security(conn.Context())
			}
			rlog.WithField("topic", topic.Name).Warnln("subscribe denied")
			return packets.SUBSCRIBE_FAILURE
		}
		return subscribe(ctx, client, topic)
	}
}

// ownTopic matches devices/{deviceID}/... filters. Wildcards below the device segment
// are allowed.
func ownTopic(deviceID, filter string) bool {
	prefix := telemetry.DeviceTopic(deviceID, "")
	return strings.HasPrefix(filter, prefix) && len(filter) > len(prefix)
}

// OnCloseWrapper releases the connection
func (p *plugin) OnCloseWrapper(closed gmqtt.OnClose) gmqtt.OnClose {
	return func(ctx context.Context, client gmqtt.Client, err error) {
		netConn := client.Connection()
		p.mutex.Lock()
		conn := p.connections[netConn]
		delete(p.connections, netConn)
		if timer, ok := p.handshakes[netConn]; ok {
			timer.Stop()
			delete(p.handshakes, netConn)
		}
		p.mutex.Unlock()
		p.gateway.Disconnect(conn)
		closed(ctx, client, err)
	}
}
