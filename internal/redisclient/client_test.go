package redisclient

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKeysAreNamespaced(t *testing.T) {
	c := &Client{namespace: "offer-service"}

	assert.Equal(t, "offer-service:seen:gateway:evt_1", c.key("seen", "gateway:evt_1"))
	assert.Equal(t, "offer-service:lock:gateway:evt_1", c.key("lock", "gateway:evt_1"))
}

func TestNewClientFailsWhenUnreachable(t *testing.T) {
	_, err := NewClient("127.0.0.1:1", "", 0, "offer-service")
	assert.Error(t, err)
}
