package settlement_test

import (
	"context"
	"log/slog"
	"os"
	"testing"

	settletesting "github.com/usenari-hub/zero-to-one-tool-sub000/settle/pkg/testing"
)

var testDB *settletesting.DB

func TestMain(m *testing.M) {
	ctx := context.Background()
	log := slog.Default()

	var err error
	testDB, err = settletesting.NewDB(ctx, log, nil)
	if err != nil {
		slog.Error("failed to start PostgreSQL container", "error", err)
		os.Exit(1)
	}

	code := m.Run()

	testDB.Close()
	os.Exit(code)
}
