package engine

import (
	"database/sql"
	"database/sql/driver"
	"fmt"

	"github.com/google/uuid"
	sqlite "modernc.org/sqlite"
)

// RegisterFunctions registers sync_uuid with the driver so it is available on
// new connections opened after this call. Generated insert triggers call it
// to assign a row id when the application supplies none.
// Note: existing open connections will not see new functions.
func RegisterFunctions(_ *sql.DB) error {
	// A duplicate registration error means a previous call already installed it.
	_ = sqlite.RegisterScalarFunction("sync_uuid", 0, syncUUIDImpl)
	return nil
}

func syncUUIDImpl(_ *sqlite.FunctionContext, args []driver.Value) (driver.Value, error) {
	if len(args) != 0 {
		return nil, fmt.Errorf("sync_uuid: expected 0 arguments, got %d", len(args))
	}
	return uuid.NewString(), nil
}
