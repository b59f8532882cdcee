package msgbus

import (
	"testing"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
)

func TestNewLogger(t *testing.T) {
	l := NewLogger("debug")
	assert.NotNil(t, l)
	assert.Equal(t, log.DebugLevel, l.(*log.Logger).GetLevel())
}

func TestNewLogger_BadLevelFallsBack(t *testing.T) {
	l := NewLogger("chatty")
	assert.Equal(t, log.InfoLevel, l.(*log.Logger).GetLevel())
}
