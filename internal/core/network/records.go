package network

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/libp2p/go-libp2p/core/peer"
)

// RecordNamespace prefixes every key this node writes into the DHT.
const RecordNamespace = "p2p"

var errBadRecordKey = errors.New("record key outside namespace")

// recordEnvelope is the value stored under a namespaced DHT key. It keeps
// the publisher next to the raw value so reads can report it.
type recordEnvelope struct {
	Value     []byte `json:"value"`
	Publisher string `json:"publisher,omitempty"`
}

func dhtKey(key []byte) string {
	return "/" + RecordNamespace + "/" + string(key)
}

func keyFromDHT(k string) ([]byte, error) {
	prefix := "/" + RecordNamespace + "/"
	if !strings.HasPrefix(k, prefix) {
		return nil, errBadRecordKey
	}
	return []byte(strings.TrimPrefix(k, prefix)), nil
}

func encodeRecord(value []byte, publisher peer.ID) ([]byte, error) {
	env := recordEnvelope{Value: value}
	if publisher != "" {
		env.Publisher = publisher.String()
	}
	return json.Marshal(env)
}

func decodeRecord(key string, raw []byte) (Record, error) {
	k, err := keyFromDHT(key)
	if err != nil {
		return Record{}, err
	}
	var env recordEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Record{}, fmt.Errorf("decode record envelope: %w", err)
	}
	rec := Record{Key: k, Value: env.Value}
	if env.Publisher != "" {
		pid, err := peer.Decode(env.Publisher)
		if err != nil {
			return Record{}, fmt.Errorf("decode record publisher: %w", err)
		}
		rec.Publisher = pid
	}
	return rec, nil
}

// recordValidator accepts any well-formed envelope. Conflicting values for
// one key resolve to the first candidate the DHT offers.
type recordValidator struct{}

func (recordValidator) Validate(key string, value []byte) error {
	_, err := decodeRecord(key, value)
	return err
}

func (v recordValidator) Select(key string, values [][]byte) (int, error) {
	for i, val := range values {
		if v.Validate(key, val) == nil {
			return i, nil
		}
	}
	return 0, errors.New("no valid record")
}
