package memory

import (
	"testing"

	"github.com/DukeRupert/gatekeeper/internal/store"
	"github.com/DukeRupert/gatekeeper/internal/store/storetest"
)

func TestStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store {
		return New()
	})
}
