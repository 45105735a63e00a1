// Package ledger keeps a local mirror of ledger artifacts (schemas and
// credential definitions) in a bbolt file.
//
// Identifiers are derived deterministically from their identifying inputs,
// so writing the same artifact twice returns the same id without a lookup
// race. Consensus and transaction submission are left to a real ledger.
package ledger

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/golang/glog"
	"go.etcd.io/bbolt"

	"github.com/forest6511/ssiagent/pkg/errs"
)

// Bucket names
var (
	metaBucket     = []byte("meta")
	schemaBucket   = []byte("schemas")
	credDefBucket  = []byte("creddefs")
	versionKey     = []byte("version")
	currentVersion = []byte("1")
)

// Ledger errors
var (
	ErrNotConnected    = errs.New(errs.PoolNotConnected, "ledger: pool not connected")
	ErrSchemaNotFound  = errs.New(errs.NotFound, "ledger: schema not found")
	ErrCredDefNotFound = errs.New(errs.NotFound, "ledger: credential definition not found")
	ErrConflict        = errs.New(errs.AlreadyExists, "ledger: id already registered with different content")
	ErrInvalidID       = errs.New(errs.InvalidArgument, "ledger: invalid identifier")
	ErrInvalidInput    = errs.New(errs.InvalidArgument, "ledger: invalid input")
)

// Schema is a credential schema as mirrored locally.
type Schema struct {
	ID        string    `json:"id" yaml:"id"`
	IssuerDID string    `json:"issuer_did" yaml:"issuer_did"`
	Name      string    `json:"name" yaml:"name"`
	Version   string    `json:"version" yaml:"version"`
	AttrNames []string  `json:"attr_names" yaml:"attr_names"`
	CreatedAt time.Time `json:"created_at" yaml:"created_at"`
}

// CredDef is a credential definition as mirrored locally.
type CredDef struct {
	ID                string    `json:"id" yaml:"id"`
	IssuerDID         string    `json:"issuer_did" yaml:"issuer_did"`
	SchemaID          string    `json:"schema_id" yaml:"schema_id"`
	Tag               string    `json:"tag" yaml:"tag"`
	SignatureType     string    `json:"signature_type" yaml:"signature_type"`
	SupportRevocation bool      `json:"support_revocation" yaml:"support_revocation"`
	CreatedAt         time.Time `json:"created_at" yaml:"created_at"`
}

// Pool is a connection to the local ledger mirror.
type Pool struct {
	path string
	db   *bbolt.DB
	mu   sync.RWMutex
	now  func() time.Time
}

// NewPool returns a disconnected pool for the mirror file at path.
func NewPool(path string) *Pool {
	return &Pool{path: path, now: time.Now}
}

// Path returns the mirror file path.
func (p *Pool) Path() string {
	return p.path
}

// Connect opens (creating if needed) the mirror file. Connecting an already
// connected pool is a no-op.
func (p *Pool) Connect() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.db != nil {
		return nil
	}
	if p.path == "" {
		return fmt.Errorf("%w: empty pool path", ErrInvalidInput)
	}
	if err := os.MkdirAll(filepath.Dir(p.path), 0700); err != nil {
		return errs.Wrap(errs.StorageError, fmt.Errorf("ledger: failed to create directory: %w", err))
	}

	db, err := bbolt.Open(p.path, 0600, &bbolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return errs.Wrap(errs.StorageError, fmt.Errorf("ledger: failed to open pool %s: %w", p.path, err))
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		meta, err := tx.CreateBucketIfNotExists(metaBucket)
		if err != nil {
			return err
		}
		if v := meta.Get(versionKey); v != nil && string(v) != string(currentVersion) {
			return fmt.Errorf("unsupported mirror version %s", v)
		}
		if err := meta.Put(versionKey, currentVersion); err != nil {
			return err
		}
		for _, name := range [][]byte{schemaBucket, credDefBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return errs.Wrap(errs.StorageError, fmt.Errorf("ledger: failed to initialize pool: %w", err))
	}

	p.db = db
	glog.V(1).Infof("ledger pool connected: %s", p.path)
	return nil
}

// Close disconnects the pool. Closing a disconnected pool is a no-op.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.db == nil {
		return nil
	}
	err := p.db.Close()
	p.db = nil
	if err != nil {
		return errs.Wrap(errs.StorageError, fmt.Errorf("ledger: failed to close pool: %w", err))
	}
	glog.V(1).Infof("ledger pool closed: %s", p.path)
	return nil
}

// IsConnected reports whether Connect succeeded and Close was not called.
func (p *Pool) IsConnected() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.db != nil
}

// WriteSchema registers a schema and returns its id. Registering the same
// did, name, version and attributes again returns the same id; the same id
// with other attributes fails with AlreadyExists.
func (p *Pool) WriteSchema(did, name, version string, attrNames []string) (string, error) {
	if err := validateSchemaInput(did, name, version); err != nil {
		return "", err
	}
	attrs, err := normalizeAttrs(attrNames)
	if err != nil {
		return "", err
	}

	s := &Schema{
		ID:        SchemaID(did, name, version),
		IssuerDID: did,
		Name:      name,
		Version:   version,
		AttrNames: attrs,
		CreatedAt: p.now().UTC(),
	}

	err = p.update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(schemaBucket)
		if existing := b.Get([]byte(s.ID)); existing != nil {
			var old Schema
			if err := json.Unmarshal(existing, &old); err != nil {
				return err
			}
			if !slices.Equal(old.AttrNames, s.AttrNames) {
				return fmt.Errorf("%w: %s", ErrConflict, s.ID)
			}
			return nil
		}
		return putJSON(b, s.ID, s)
	})
	if err != nil {
		return "", err
	}
	return s.ID, nil
}

// WriteCredDef registers a credential definition for an already mirrored
// schema. The same inputs always return the same id.
func (p *Pool) WriteCredDef(did, schemaID, tag string, supportRevocation bool) (string, error) {
	if err := validateDID(did); err != nil {
		return "", err
	}
	if _, _, _, err := ParseSchemaID(schemaID); err != nil {
		return "", err
	}
	if err := validatePart("tag", tag); err != nil {
		return "", err
	}

	cd := &CredDef{
		ID:                CredDefID(did, schemaID, tag),
		IssuerDID:         did,
		SchemaID:          schemaID,
		Tag:               tag,
		SignatureType:     signatureCL,
		SupportRevocation: supportRevocation,
		CreatedAt:         p.now().UTC(),
	}

	err := p.update(func(tx *bbolt.Tx) error {
		if tx.Bucket(schemaBucket).Get([]byte(schemaID)) == nil {
			return fmt.Errorf("%w: %s", ErrSchemaNotFound, schemaID)
		}
		b := tx.Bucket(credDefBucket)
		if existing := b.Get([]byte(cd.ID)); existing != nil {
			var old CredDef
			if err := json.Unmarshal(existing, &old); err != nil {
				return err
			}
			if old.SupportRevocation != cd.SupportRevocation {
				return fmt.Errorf("%w: %s", ErrConflict, cd.ID)
			}
			return nil
		}
		return putJSON(b, cd.ID, cd)
	})
	if err != nil {
		return "", err
	}
	return cd.ID, nil
}

// GetSchema fetches a schema. A well formed but unknown id fails with
// NotFound, a malformed one with InvalidArgument.
func (p *Pool) GetSchema(id string) (*Schema, error) {
	if !p.IsConnected() {
		return nil, ErrNotConnected
	}
	if _, _, _, err := ParseSchemaID(id); err != nil {
		return nil, err
	}
	var s Schema
	if err := p.get(schemaBucket, id, &s, ErrSchemaNotFound); err != nil {
		return nil, err
	}
	return &s, nil
}

// GetCredDef fetches a credential definition, with the same error rules
// as GetSchema.
func (p *Pool) GetCredDef(id string) (*CredDef, error) {
	if !p.IsConnected() {
		return nil, ErrNotConnected
	}
	if _, _, _, err := ParseCredDefID(id); err != nil {
		return nil, err
	}
	var cd CredDef
	if err := p.get(credDefBucket, id, &cd, ErrCredDefNotFound); err != nil {
		return nil, err
	}
	return &cd, nil
}

func (p *Pool) update(fn func(tx *bbolt.Tx) error) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.db == nil {
		return ErrNotConnected
	}
	if err := p.db.Update(fn); err != nil {
		var coded *errs.Error
		if errors.As(err, &coded) {
			return err
		}
		return errs.Wrap(errs.StorageError, fmt.Errorf("ledger: write failed: %w", err))
	}
	return nil
}

func (p *Pool) get(bucket []byte, id string, v any, notFound error) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.db == nil {
		return ErrNotConnected
	}
	return p.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucket).Get([]byte(id))
		if data == nil {
			return fmt.Errorf("%w: %s", notFound, id)
		}
		if err := json.Unmarshal(data, v); err != nil {
			return errs.Wrap(errs.StorageError, fmt.Errorf("ledger: corrupted entry %s: %w", id, err))
		}
		return nil
	})
}

func putJSON(b *bbolt.Bucket, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.Put([]byte(key), data)
}

// normalizeAttrs sorts and de-duplicates attribute names so that attribute
// order does not change schema identity.
func normalizeAttrs(attrs []string) ([]string, error) {
	if len(attrs) == 0 {
		return nil, fmt.Errorf("%w: schema needs at least one attribute", ErrInvalidInput)
	}
	out := make([]string, 0, len(attrs))
	for _, a := range attrs {
		if a == "" {
			return nil, fmt.Errorf("%w: empty attribute name", ErrInvalidInput)
		}
		out = append(out, a)
	}
	slices.Sort(out)
	return slices.Compact(out), nil
}
