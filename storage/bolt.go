package storage

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"
	"github.com/sirupsen/logrus"
	bolt "go.etcd.io/bbolt"

	"github.com/opd-ai/rpcwire/crypto"
)

const (
	metadataBucket = "metadata"
	authKeysBucket = "authkeys"
	saltsBucket    = "salts"
	msgIDBucket    = "msgid"

	versionKey = "version"
	kdfSaltKey = "kdf_salt"
)

// BoltStore keeps state in a bbolt file. Auth keys are sealed; salts and the
// high-water mark are stored as plain CBOR.
type BoltStore struct {
	db     *bolt.DB
	sealer *Sealer
}

// OpenBolt creates (or loads) the database at path, sealing auth keys under
// passphrase. The passphrase is wiped.
func OpenBolt(path string, passphrase []byte) (*BoltStore, error) {
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, err
	}

	var salt []byte
	if err := db.Update(func(tx *bolt.Tx) error {
		meta, err := tx.CreateBucketIfNotExists([]byte(metadataBucket))
		if err != nil {
			return err
		}
		for _, name := range []string{authKeysBucket, saltsBucket, msgIDBucket} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return err
			}
		}

		if b := meta.Get([]byte(versionKey)); b != nil {
			if len(b) != 1 || b[0] != 0 {
				return fmt.Errorf("storage: incompatible version: %x", b)
			}
			salt = append([]byte(nil), meta.Get([]byte(kdfSaltKey))...)
			if len(salt) != KDFSaltSize {
				return fmt.Errorf("storage: invalid kdf salt size %d", len(salt))
			}
			return nil
		}

		salt = make([]byte, KDFSaltSize)
		if _, err := io.ReadFull(rand.Reader, salt); err != nil {
			return fmt.Errorf("failed to generate salt: %w", err)
		}
		if err := meta.Put([]byte(kdfSaltKey), salt); err != nil {
			return err
		}
		return meta.Put([]byte(versionKey), []byte{0})
	}); err != nil {
		db.Close()
		return nil, err
	}

	sealer, err := NewSealer(passphrase, salt)
	crypto.SecureWipe(passphrase)
	if err != nil {
		db.Close()
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"function": "OpenBolt",
		"path":     path,
	}).Debug("Opened state database")
	return &BoltStore{db: db, sealer: sealer}, nil
}

func (s *BoltStore) put(bucket, endpoint string, v interface{}) error {
	raw, err := cbor.Marshal(v)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucket)).Put([]byte(endpoint), raw)
	})
}

// get decodes the record into v and returns ErrNotFound if it is absent.
func (s *BoltStore) get(bucket, endpoint string, v interface{}) error {
	return s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket([]byte(bucket)).Get([]byte(endpoint))
		if raw == nil {
			return ErrNotFound
		}
		return cbor.Unmarshal(raw, v)
	})
}

// LoadAuthKey implements Store.
func (s *BoltStore) LoadAuthKey(endpoint string) (*AuthKeyRecord, error) {
	var sealed []byte
	if err := s.get(authKeysBucket, endpoint, &sealed); err != nil {
		return nil, err
	}
	raw, err := s.sealer.Open(sealed, []byte(endpoint))
	if err != nil {
		return nil, err
	}
	defer crypto.SecureWipe(raw)
	rec := new(AuthKeyRecord)
	if err := cbor.Unmarshal(raw, rec); err != nil {
		return nil, fmt.Errorf("storage: auth key record: %w", err)
	}
	return rec, nil
}

// SaveAuthKey implements Store.
func (s *BoltStore) SaveAuthKey(endpoint string, rec *AuthKeyRecord) error {
	raw, err := cbor.Marshal(rec)
	if err != nil {
		return err
	}
	defer crypto.SecureWipe(raw)
	sealed, err := s.sealer.Seal(raw, []byte(endpoint))
	if err != nil {
		return err
	}
	return s.put(authKeysBucket, endpoint, sealed)
}

// DeleteAuthKey implements Store.
func (s *BoltStore) DeleteAuthKey(endpoint string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(authKeysBucket)).Delete([]byte(endpoint))
	})
}

// LoadSalts implements Store.
func (s *BoltStore) LoadSalts(endpoint string) ([]SaltRecord, error) {
	var salts []SaltRecord
	if err := s.get(saltsBucket, endpoint, &salts); err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	return salts, nil
}

// SaveSalts implements Store.
func (s *BoltStore) SaveSalts(endpoint string, salts []SaltRecord) error {
	return s.put(saltsBucket, endpoint, salts)
}

// LoadHighWater implements Store.
func (s *BoltStore) LoadHighWater(endpoint string) (int64, error) {
	var id int64
	if err := s.get(msgIDBucket, endpoint, &id); err != nil && !errors.Is(err, ErrNotFound) {
		return 0, err
	}
	return id, nil
}

// SaveHighWater implements Store. The stored mark never moves backwards.
func (s *BoltStore) SaveHighWater(endpoint string, msgID int64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(msgIDBucket))
		if raw := bkt.Get([]byte(endpoint)); raw != nil {
			var prev int64
			if err := cbor.Unmarshal(raw, &prev); err == nil && prev >= msgID {
				return nil
			}
		}
		raw, err := cbor.Marshal(msgID)
		if err != nil {
			return err
		}
		return bkt.Put([]byte(endpoint), raw)
	})
}

// Forget implements Store.
func (s *BoltStore) Forget(endpoint string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		for _, name := range []string{authKeysBucket, saltsBucket, msgIDBucket} {
			if err := tx.Bucket([]byte(name)).Delete([]byte(endpoint)); err != nil {
				return err
			}
		}
		return nil
	})
}

// Endpoints lists every endpoint with a stored auth key.
func (s *BoltStore) Endpoints() ([]string, error) {
	var out []string
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(authKeysBucket)).ForEach(func(k, _ []byte) error {
			out = append(out, string(k))
			return nil
		})
	})
	return out, err
}

// Close implements Store.
func (s *BoltStore) Close() error {
	return s.db.Close()
}
