package cm

import (
	"errors"
	"fmt"

	cbor "github.com/fxamacker/cbor/v2"
)

var (
	recEnc cbor.EncMode
	recDec cbor.DecMode
)

func init() {
	em, _ := cbor.CanonicalEncOptions().EncMode()
	dm, _ := (cbor.DecOptions{}).DecMode()
	recEnc, recDec = em, dm
}

// WindowKey is the store key of the window persisted for machine id.
func WindowKey(id uint64) string {
	return fmt.Sprintf("cm_sw_%d", id)
}

func encodeWindow(sw SlidingWindow) ([]byte, error) {
	return recEnc.Marshal(sw)
}

func decodeWindow(b []byte) (SlidingWindow, error) {
	var sw SlidingWindow
	if err := recDec.Unmarshal(b, &sw); err != nil {
		return SlidingWindow{}, fmt.Errorf("decode window record: %w", err)
	}
	return sw, nil
}

func swGet(tx Txn, id uint64) (SlidingWindow, error) {
	raw, err := tx.Get(WindowKey(id))
	if errors.Is(err, ErrNotFound) {
		return SlidingWindow{}, ErrNoRecord
	}
	if err != nil {
		return SlidingWindow{}, err
	}
	return decodeWindow(raw)
}

// swInit stores a zero window for id.
func swInit(tx Txn, id uint64) error {
	raw, err := encodeWindow(SlidingWindow{})
	if err != nil {
		return err
	}
	return tx.Put(WindowKey(id), raw)
}

// swStore overwrites an existing record. ErrNoRecord when there is none.
func swStore(tx Txn, id uint64, sw SlidingWindow) error {
	if _, err := swGet(tx, id); err != nil {
		return err
	}
	raw, err := encodeWindow(sw)
	if err != nil {
		return err
	}
	return tx.Put(WindowKey(id), raw)
}

func swComplete(tx Txn, id uint64) error {
	return tx.Delete(WindowKey(id))
}

// LoadWindow reads the window persisted for machine id. It returns
// ErrNoRecord when no operation is pending.
func LoadWindow(st Store, id uint64) (SlidingWindow, error) {
	tx, err := st.Begin(false)
	if err != nil {
		return SlidingWindow{}, err
	}
	defer tx.Discard()
	return swGet(tx, id)
}

// ClearWindow deletes the window record of machine id and waits for the
// commit.
func ClearWindow(st Store, id uint64) error {
	tx, err := st.Begin(true)
	if err != nil {
		return err
	}
	if err := swComplete(tx, id); err != nil {
		tx.Discard()
		return err
	}
	return <-tx.Commit()
}
