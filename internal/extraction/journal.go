package extraction

import (
	"bytes"
	"encoding/json"
	"fmt"

	"go.etcd.io/bbolt"
)

const journalBucket = "extraction_steps"

// Journal caches completed step results per job so reruns skip them
type Journal interface {
	// Load decodes the recorded result of step into v and reports whether one existed
	Load(jobKey string, step Stage, v any) (bool, error)
	// Save records the result of step
	Save(jobKey string, step Stage, v any) error
	// Clear removes every recorded step of a job
	Clear(jobKey string) error
}

// BoltJournal implements Journal in a bbolt bucket keyed "<jobKey>/<step>"
type BoltJournal struct {
	db *bbolt.DB
}

// NewBoltJournal creates the journal bucket in db
func NewBoltJournal(db *bbolt.DB) (*BoltJournal, error) {
	err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(journalBucket))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("creating journal bucket: %w", err)
	}
	return &BoltJournal{db: db}, nil
}

func stepKey(jobKey string, step Stage) []byte {
	return []byte(jobKey + "/" + string(step))
}

// Load decodes a recorded step result
func (j *BoltJournal) Load(jobKey string, step Stage, v any) (bool, error) {
	var found bool
	err := j.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket([]byte(journalBucket)).Get(stepKey(jobKey, step))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, v)
	})
	if err != nil {
		return false, fmt.Errorf("loading step %s: %w", step, err)
	}
	return found, nil
}

// Save records a step result
func (j *BoltJournal) Save(jobKey string, step Stage, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshaling step %s: %w", step, err)
	}
	return j.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(journalBucket)).Put(stepKey(jobKey, step), data)
	})
}

// Clear removes every recorded step of a job
func (j *BoltJournal) Clear(jobKey string) error {
	prefix := []byte(jobKey + "/")
	return j.db.Update(func(tx *bbolt.Tx) error {
		c := tx.Bucket([]byte(journalBucket)).Cursor()
		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Seek(prefix) {
			if err := c.Delete(); err != nil {
				return err
			}
		}
		return nil
	})
}

// nopJournal records nothing; every run executes every step
type nopJournal struct{}

func (nopJournal) Load(string, Stage, any) (bool, error) { return false, nil }
func (nopJournal) Save(string, Stage, any) error         { return nil }
func (nopJournal) Clear(string) error                    { return nil }
