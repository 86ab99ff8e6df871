package feed

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubscribeURL(t *testing.T) {
	tests := []struct {
		name     string
		host     string
		compress bool
		expected string
	}{
		{
			name:     "https becomes wss",
			host:     "https://gateway.local:8443",
			expected: "wss://gateway.local:8443/subscribe",
		},
		{
			name:     "http becomes ws",
			host:     "http://localhost:9000",
			expected: "ws://localhost:9000/subscribe",
		},
		{
			name:     "compress flag",
			host:     "https://gateway.local",
			compress: true,
			expected: "wss://gateway.local/subscribe?compress=true",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u, err := subscribeURL(tt.host, tt.compress)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, u)
		})
	}
}

func TestExtensionFor(t *testing.T) {
	assert.Equal(t, ".jpg", extensionFor("image/jpeg"))
	assert.Equal(t, ".png", extensionFor("image/png"))
	assert.Equal(t, ".mp4", extensionFor("video/mp4"))
	assert.Equal(t, "", extensionFor(""))
	assert.Equal(t, "", extensionFor("application/x-unknown-localgram"))
}

func TestNewGatewayRequiresHosts(t *testing.T) {
	_, err := NewGateway(GatewayConfig{})
	assert.Error(t, err)

	gw, err := NewGateway(GatewayConfig{Hosts: []string{"https://gateway.local"}})
	require.NoError(t, err)
	assert.NotNil(t, gw)
}
