//go:build integration

package store

import (
	"testing"

	"github.com/fraware/accountabilitylayer/test/util"
)

func TestPostgresStore_Contract(t *testing.T) {
	runLogStoreSuite(t, func(t *testing.T) LogStore {
		db := util.SetupTestDatabase(t)
		return NewPostgresStore(db)
	})
}
