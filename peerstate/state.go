// Package peerstate exchanges the pose of every participant over UDP
// broadcast. Each peer periodically announces its own PeerState; receivers
// decode announcements from others on the worker pool, queue them for the
// consumer loop and remember the latest state per peer until it expires.
package peerstate

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

const fieldSeparator = "#"

// ErrMalformed is returned by Decode for records that cannot be parsed.
var ErrMalformed = errors.New("peerstate: malformed record")

// Mat4 is a 4x4 transform stored row-major: element (row, col) is at
// index row*4+col.
type Mat4 [16]float32

// Identity returns the identity transform.
func Identity() Mat4 {
	return Mat4{
		1, 0, 0, 0,
		0, 1, 0, 0,
		0, 0, 1, 0,
		0, 0, 0, 1,
	}
}

// At returns the element at row, col.
func (m Mat4) At(row, col int) float32 {
	return m[row*4+col]
}

// String renders the sixteen elements row-major, separated by '#'.
func (m Mat4) String() string {
	parts := make([]string, len(m))
	for i, v := range m {
		parts[i] = strconv.FormatFloat(float64(v), 'f', -1, 32)
	}

	return strings.Join(parts, fieldSeparator)
}

// ParseMat4 parses the form produced by Mat4.String. Exactly sixteen fields
// are required.
func ParseMat4(s string) (Mat4, error) {
	var m Mat4

	parts := strings.Split(s, fieldSeparator)
	if len(parts) != len(m) {
		return m, fmt.Errorf("%w: want %d matrix fields, got %d", ErrMalformed, len(m), len(parts))
	}

	for i, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 32)
		if err != nil {
			return m, fmt.Errorf("%w: field %d: %v", ErrMalformed, i, err)
		}

		m[i] = float32(v)
	}

	return m, nil
}

// PeerState is the announced pose of one peer.
type PeerState struct {
	ID   string
	Pose Mat4
}

type record struct {
	UUID        string `json:"uuid"`
	GlobalTrans string `json:"globalTrans"`
}

// NewID returns a random identifier for the local peer.
func NewID() string {
	return uuid.NewString()
}

// Encode returns the wire record of s.
//
// Returns:
//   - JSON of the form {"uuid":"<id>","globalTrans":"f#f#...#f"}
func (s PeerState) Encode() ([]byte, error) {
	return json.Marshal(record{UUID: s.ID, GlobalTrans: s.Pose.String()})
}

// Decode parses a wire record produced by Encode.
//
// Parameters:
//   - data: The record bytes
//
// Returns:
//   - The PeerState, or an error wrapping ErrMalformed
func Decode(data []byte) (PeerState, error) {
	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		return PeerState{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	if rec.UUID == "" {
		return PeerState{}, fmt.Errorf("%w: missing uuid", ErrMalformed)
	}

	pose, err := ParseMat4(rec.GlobalTrans)
	if err != nil {
		return PeerState{}, err
	}

	return PeerState{ID: rec.UUID, Pose: pose}, nil
}
