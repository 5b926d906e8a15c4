package wa

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
	"go.mau.fi/whatsmeow/store"
	"google.golang.org/protobuf/proto"
	_ "modernc.org/sqlite"

	"gowa-dispatch/internal/model"
)

// Factory builds whatsmeow-backed handles. Every session keeps its device
// credentials in its own SQLite file under dir/<sessionID>/session.db.
type Factory struct {
	dir string
	log zerolog.Logger
}

func NewFactory(dir, deviceName string, log zerolog.Logger) (*Factory, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("mkdir session store: %w", err)
	}
	if deviceName != "" {
		// global setting, applied before any device is paired
		store.DeviceProps.Os = proto.String(deviceName)
	}
	return &Factory{dir: dir, log: log}, nil
}

// New satisfies model.HandleFactory.
func (f *Factory) New(sessionID string, emit func(model.HandleEvent)) (model.Handle, error) {
	dir, err := f.sessionPath(sessionID)
	if err != nil {
		return nil, err
	}
	return newClient(sessionID, dir, emit, f.log.With().Str("session_id", sessionID).Logger()), nil
}

// Purge removes the stored credentials of one session.
func (f *Factory) Purge(sessionID string) error {
	dir, err := f.sessionPath(sessionID)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("remove session dir: %w", err)
	}
	return nil
}

// PurgeAll removes the stored credentials of every session.
func (f *Factory) PurgeAll() error {
	entries, err := os.ReadDir(f.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if err := os.RemoveAll(filepath.Join(f.dir, e.Name())); err != nil {
			return fmt.Errorf("remove session dir %s: %w", e.Name(), err)
		}
	}
	return nil
}

func (f *Factory) sessionPath(sessionID string) (string, error) {
	if sessionID == "" || sessionID == "." || sessionID == ".." ||
		strings.ContainsAny(sessionID, `/\`) {
		return "", fmt.Errorf("invalid session id %q", sessionID)
	}
	return filepath.Join(f.dir, sessionID), nil
}

// whatsmeow requires foreign_keys on SQLite.
func sqliteDSN(dbPath string) string {
	return fmt.Sprintf(
		"file:%s?_pragma=foreign_keys(1)&_pragma=busy_timeout(10000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)",
		dbPath,
	)
}
