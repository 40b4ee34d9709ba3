package mesh

import (
	"github.com/pion/logging"
	"github.com/pion/webrtc/v4"
)

// Config holds the WebRTC-level settings shared by every peer link.
type Config struct {
	// ICEServers for NAT traversal.
	ICEServers []webrtc.ICEServer
	// LoggerFactory scopes component loggers.
	LoggerFactory logging.LoggerFactory
	// API overrides the WebRTC API, letting tests bind peer connections to a
	// virtual network. Nil means a default API with default codecs.
	API *webrtc.API
}

// DefaultConfig returns default mesh configuration.
func DefaultConfig() Config {
	return Config{
		ICEServers: []webrtc.ICEServer{
			{URLs: []string{"stun:stun.l.google.com:19302"}},
		},
		LoggerFactory: logging.NewDefaultLoggerFactory(),
	}
}

func (c Config) loggerFactory() logging.LoggerFactory {
	if c.LoggerFactory != nil {
		return c.LoggerFactory
	}
	return logging.NewDefaultLoggerFactory()
}

func (c Config) api() *webrtc.API {
	if c.API != nil {
		return c.API
	}
	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		panic(err)
	}
	return webrtc.NewAPI(webrtc.WithMediaEngine(m))
}

func (c Config) webrtcConfig() webrtc.Configuration {
	return webrtc.Configuration{ICEServers: c.ICEServers}
}

// Initiates reports whether the local identity initiates the offer toward the
// remote one. The ordering is total and evaluated identically by both sides,
// so for any two distinct identities exactly one of them offers; the other
// only ever responds. This removes offer glare without any coordination.
func Initiates(local, remote string) bool {
	return local < remote
}
