// Package inventory persists per-server records (status, discovered
// hardware, applied settings) outside of any single workflow.
package inventory

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v3"
	json "github.com/goccy/go-json"

	merrors "github.com/davidroman0O/metalflow/errors"
)

// Status of a server in the inventory
type Status string

const (
	StatusUnknown     Status = "unknown"
	StatusDiscovered  Status = "discovered"
	StatusConfiguring Status = "configuring"
	StatusConfigured  Status = "configured"
	StatusFailed      Status = "failed"
)

// Hardware is the discovered hardware summary of a server
type Hardware struct {
	Manufacturer   string  `json:"manufacturer"`
	Model          string  `json:"model"`
	SerialNumber   string  `json:"serial_number"`
	BIOSVersion    string  `json:"bios_version"`
	PowerState     string  `json:"power_state"`
	ProcessorCount int     `json:"processor_count"`
	MemoryGiB      float64 `json:"memory_gib"`
}

// Record is one server's inventory entry, keyed by BMC address
type Record struct {
	Address        string            `json:"address"`
	DeviceType     string            `json:"device_type,omitempty"`
	Status         Status            `json:"status"`
	Hardware       *Hardware         `json:"hardware,omitempty"`
	BIOSSettings   map[string]string `json:"bios_settings,omitempty"`
	Firmware       map[string]string `json:"firmware,omitempty"`
	LastWorkflowID string            `json:"last_workflow_id,omitempty"`
	LastError      string            `json:"last_error,omitempty"`
	UpdatedAt      time.Time         `json:"updated_at"`
}

// Store is the key-based inventory interface used by workflow steps
type Store interface {
	Get(ctx context.Context, address string) (*Record, error)
	// Update loads the record (or a fresh one), applies fn and saves it
	// atomically.
	Update(ctx context.Context, address string, fn func(*Record) error) (*Record, error)
	List(ctx context.Context) ([]Record, error)
	Close() error
}

const keyPrefix = "server:"

// BadgerStore is a Store backed by an embedded badger database
type BadgerStore struct {
	db  *badger.DB
	now func() time.Time
}

// Open opens the inventory at path. An empty path opens an in-memory store.
func Open(path string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(path).WithLoggingLevel(badger.ERROR)
	if path == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, merrors.Wrap(err, merrors.ErrConfiguration, "open inventory at "+path)
	}
	return &BadgerStore{db: db, now: time.Now}, nil
}

// Close closes the database
func (s *BadgerStore) Close() error {
	return s.db.Close()
}

// Get returns the record for address
func (s *BadgerStore) Get(ctx context.Context, address string) (*Record, error) {
	if address == "" {
		return nil, merrors.New(merrors.ErrInvalidInput, "empty server address")
	}

	var rec *Record
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		rec, err = load(txn, address)
		return err
	})
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, merrors.Newf(merrors.ErrNotFound, "no inventory record for %s", address)
	}
	return rec, nil
}

// Update implements Store
func (s *BadgerStore) Update(ctx context.Context, address string, fn func(*Record) error) (*Record, error) {
	if address == "" {
		return nil, merrors.New(merrors.ErrInvalidInput, "empty server address")
	}

	var saved *Record
	err := s.db.Update(func(txn *badger.Txn) error {
		rec, err := load(txn, address)
		if err != nil {
			return err
		}
		if rec == nil {
			rec = &Record{Address: address, Status: StatusUnknown}
		}
		if err := fn(rec); err != nil {
			return err
		}
		rec.Address = address
		rec.UpdatedAt = s.now()

		blob, err := json.Marshal(rec)
		if err != nil {
			return merrors.Wrap(err, merrors.ErrInvalidInput, "encode inventory record")
		}
		if err := txn.Set([]byte(keyPrefix+address), blob); err != nil {
			return err
		}
		saved = rec
		return nil
	})
	if err != nil {
		return nil, err
	}
	return saved, nil
}

// List returns all records ordered by address
func (s *BadgerStore) List(ctx context.Context) ([]Record, error) {
	var out []Record
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := []byte(keyPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			blob, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			var rec Record
			if err := json.Unmarshal(blob, &rec); err != nil {
				return merrors.Wrap(err, merrors.ErrInvalidState, "decode inventory record "+strings.TrimPrefix(string(it.Item().Key()), keyPrefix))
			}
			out = append(out, rec)
		}
		return nil
	})
	return out, err
}

func load(txn *badger.Txn, address string) (*Record, error) {
	item, err := txn.Get([]byte(keyPrefix + address))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	blob, err := item.ValueCopy(nil)
	if err != nil {
		return nil, err
	}
	var rec Record
	if err := json.Unmarshal(blob, &rec); err != nil {
		return nil, merrors.Wrap(err, merrors.ErrInvalidState, "decode inventory record "+address)
	}
	return &rec, nil
}
