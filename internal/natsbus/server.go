package natsbus

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/mtzanidakis/synedrio/internal/config"
	natsserver "github.com/nats-io/nats-server/v2/server"
)

// Bus is the embedded NATS server shared by the gateway, provider bridges
// and local tools.
type Bus struct {
	server *natsserver.Server
	token  string
}

// New starts an embedded NATS server. A port of -1 picks a random free port.
// When cfg.Token is set every connection, bridges included, must present it.
func New(cfg config.NATSConfig) (*Bus, error) {
	opts := &natsserver.Options{
		ServerName:    "synedrio",
		Host:          cfg.Host,
		Port:          cfg.Port,
		Authorization: cfg.Token,
		MaxPayload:    int32(cfg.MaxPayload),
		NoSigs:        true,
	}

	ns, err := natsserver.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("create nats server: %w", err)
	}
	ns.SetLogger(serverLogger{}, false, false)

	go ns.Start()

	if !ns.ReadyForConnections(5 * time.Second) {
		ns.Shutdown()
		return nil, fmt.Errorf("nats server not ready")
	}

	slog.Info("nats server ready", "url", ns.ClientURL(), "auth", cfg.Token != "")
	return &Bus{server: ns, token: cfg.Token}, nil
}

func (b *Bus) ClientURL() string {
	return b.server.ClientURL()
}

func (b *Bus) NumClients() int {
	return b.server.NumClients()
}

func (b *Bus) Close() {
	b.server.Shutdown()
	b.server.WaitForShutdown()
}

// serverLogger routes the embedded server's log lines through slog. Notices
// are startup chatter and go to debug.
type serverLogger struct{}

func (serverLogger) Noticef(format string, v ...any) {
	slog.Debug("nats: " + fmt.Sprintf(format, v...))
}

func (serverLogger) Warnf(format string, v ...any) {
	slog.Warn("nats: " + fmt.Sprintf(format, v...))
}

func (serverLogger) Fatalf(format string, v ...any) {
	slog.Error("nats: " + fmt.Sprintf(format, v...))
}

func (serverLogger) Errorf(format string, v ...any) {
	slog.Error("nats: " + fmt.Sprintf(format, v...))
}

func (serverLogger) Debugf(format string, v ...any) {
	slog.Debug("nats: " + fmt.Sprintf(format, v...))
}

func (serverLogger) Tracef(format string, v ...any) {}
