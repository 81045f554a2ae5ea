package server

import (
	"context"
	"log"

	"github.com/ojpio/ojp-go/config"
)

// ServerFactory assembles a Handler and its MonitoringManager from a device
// ID, AMQP URL, and a ServerConfig, mirroring the teacher's ServerFactory
// (server/server_factory.go) convenience wrapper around NewHandler.
type ServerFactory struct {
	deviceID string
	amqpURL  string
	cfg      *config.ServerConfig
}

// NewServerFactory creates a new server factory with the given configuration.
func NewServerFactory(deviceID, amqpURL string, cfg *config.ServerConfig) *ServerFactory {
	return &ServerFactory{deviceID: deviceID, amqpURL: amqpURL, cfg: cfg}
}

// CreateServer creates a fully configured server with all components.
func (sf *ServerFactory) CreateServer() (*Handler, *MonitoringManager, error) {
	handler := NewHandler(sf.deviceID, sf.amqpURL, sf.cfg)

	monitoringManager := NewMonitoringManager(handler, sf.cfg)
	monitoringManager.RegisterMonitoringFunctions()

	return handler, monitoringManager, nil
}

// StartServer creates and starts a complete server.
func (sf *ServerFactory) StartServer(ctx context.Context) error {
	handler, monitoringManager, err := sf.CreateServer()
	if err != nil {
		return err
	}

	monitoringManager.DisplayConfiguration()
	monitoringManager.Start()
	defer monitoringManager.Stop()

	log.Printf("starting ojp-server, device=%s", sf.deviceID)
	return handler.Start(ctx)
}

// CreateAndConfigureServer builds a server with configuration loaded from
// flags/environment, for cmd/ entrypoints that don't need custom wiring.
func CreateAndConfigureServer(deviceID, amqpURL string) (*Handler, *MonitoringManager, error) {
	cfg := config.LoadConfigFromFlags()
	factory := NewServerFactory(deviceID, amqpURL, cfg)
	return factory.CreateServer()
}

// StartServerWithDefaults starts a server with configuration loaded from
// flags/environment.
func StartServerWithDefaults(ctx context.Context, deviceID, amqpURL string) error {
	cfg := config.LoadConfigFromFlags()
	factory := NewServerFactory(deviceID, amqpURL, cfg)
	return factory.StartServer(ctx)
}
