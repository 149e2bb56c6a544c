package memory

import (
	"testing"

	"github.com/TecharoHQ/challengegate/lib/store/storetest"
)

func TestImpl(t *testing.T) {
	storetest.Common(t, factory{}, nil)
}
