package store_test

import (
	"testing"

	"github.com/warp/invest-ledger/ledger"
	"github.com/warp/invest-ledger/ledger/store"
	"github.com/warp/invest-ledger/ledger/storetest"
)

func TestMemoryStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) ledger.Store { return store.NewMemory() })
}
