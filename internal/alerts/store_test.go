package alerts

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"mdmguard/internal/model"
)

func alertAt(device string, hour int) model.Alert {
	var a model.Alert
	a.DeviceID = device
	a.WindowStart = time.Date(2025, 9, 17, hour, 0, 0, 0, time.UTC)
	return a
}

func TestStoreRing(t *testing.T) {
	s := NewStore(3)
	for i := 0; i < 5; i++ {
		s.Add(alertAt(fmt.Sprintf("D%d", i), i))
	}
	assert.Equal(t, 3, s.Len())
	got := s.List(0)
	assert.Equal(t, "D2", got[0].DeviceID)
	assert.Equal(t, "D4", got[2].DeviceID)
	assert.Len(t, s.List(2), 2)
	assert.Equal(t, "D3", s.List(2)[0].DeviceID)
}

func TestStoreQueries(t *testing.T) {
	s := NewStore(0)
	s.Add(alertAt("D1", 4), alertAt("D2", 8), alertAt("D1", 12))
	assert.Len(t, s.Since(time.Date(2025, 9, 17, 8, 0, 0, 0, time.UTC)), 2)
	assert.Len(t, s.ForDevice("D1"), 2)
	s.Clear()
	assert.Empty(t, s.List(10))
}
