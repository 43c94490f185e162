// Package transfer moves patient records between two devices as a
// chunked JSON stream over a message channel.
//
// Wire format: the payload object gets an "_end":"END" member, the JSON text
// gets a literal END appended, and the result is cut into fixed-size slices
// that travel base64 encoded, in order. There are no sequence numbers or
// checksums; a lost or reordered chunk corrupts the transfer.
package transfer

import (
	"bytes"
	"encoding/base64"
	"encoding/json"

	apperrors "github.com/hamzamalik22/gaza-health-records-app/internal/errors"
	"github.com/hamzamalik22/gaza-health-records-app/internal/models"
)

const (
	// DefaultChunkSize is the slice size in bytes before base64.
	DefaultChunkSize = 180

	// EndMarker terminates the JSON text.
	EndMarker = "END"

	endField      = "_end"
	patientsField = "patients"
)

// Payload is a decoded transfer object with the sentinel removed.
type Payload map[string]json.RawMessage

// Patients decodes the "patients" member. A payload without it yields nil.
func (p Payload) Patients() ([]*models.PatientRecord, error) {
	raw, ok := p[patientsField]
	if !ok {
		return nil, nil
	}
	var recs []*models.PatientRecord
	if err := json.Unmarshal(raw, &recs); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrTransferParseFailed, "patients member is not a record array", err)
	}
	return recs, nil
}

// PatientsPayload wraps records the way peers exchange them.
func PatientsPayload(recs []*models.PatientRecord) map[string]interface{} {
	if recs == nil {
		recs = []*models.PatientRecord{}
	}
	return map[string]interface{}{patientsField: recs}
}

// Encode serializes payload, embeds the sentinel member and appends the end
// marker. Arrays are wrapped as {"patients": [...]} first.
func Encode(payload interface{}) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInvalid, "payload is not serializable", err)
	}
	data = bytes.TrimSpace(data)

	if len(data) > 0 && data[0] == '[' {
		wrapped := make([]byte, 0, len(data)+16)
		wrapped = append(wrapped, `{"`+patientsField+`":`...)
		wrapped = append(wrapped, data...)
		wrapped = append(wrapped, '}')
		data = wrapped
	}
	if len(data) < 2 || data[0] != '{' || data[len(data)-1] != '}' {
		return nil, apperrors.New(apperrors.ErrInvalid, "payload must be a JSON object or array")
	}

	sentinel := `"` + endField + `":"` + EndMarker + `"}`
	out := make([]byte, 0, len(data)+len(sentinel)+len(EndMarker)+1)
	out = append(out, data[:len(data)-1]...)
	if len(bytes.TrimSpace(data[1:len(data)-1])) > 0 {
		out = append(out, ',')
	}
	out = append(out, sentinel...)
	out = append(out, EndMarker...)
	return out, nil
}

// Complete reports whether accumulated text ends with the marker.
func Complete(text []byte) bool {
	return bytes.HasSuffix(text, []byte(EndMarker))
}

// Decode strips the trailing marker, parses the object and removes the
// sentinel member.
func Decode(text []byte) (Payload, error) {
	text = bytes.TrimSuffix(text, []byte(EndMarker))
	var p Payload
	if err := json.Unmarshal(text, &p); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrTransferParseFailed, "reassembled text is not a JSON object", err)
	}
	if p == nil {
		return nil, apperrors.New(apperrors.ErrTransferParseFailed, "reassembled text is null")
	}
	delete(p, endField)
	return p, nil
}

// Chunk cuts text into slices of at most size bytes, in order.
func Chunk(text []byte, size int) [][]byte {
	if size <= 0 {
		size = DefaultChunkSize
	}
	chunks := make([][]byte, 0, (len(text)+size-1)/size)
	for i := 0; i < len(text); i += size {
		end := i + size
		if end > len(text) {
			end = len(text)
		}
		chunks = append(chunks, text[i:end])
	}
	return chunks
}

// Frame base64-encodes one chunk for the channel.
func Frame(chunk []byte) []byte {
	out := make([]byte, base64.StdEncoding.EncodedLen(len(chunk)))
	base64.StdEncoding.Encode(out, chunk)
	return out
}

// Unframe reverses Frame.
func Unframe(frame []byte) ([]byte, error) {
	out := make([]byte, base64.StdEncoding.DecodedLen(len(frame)))
	n, err := base64.StdEncoding.Decode(out, frame)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrTransferParseFailed, "chunk is not base64", err)
	}
	return out[:n], nil
}

// Progress is round(100 * sent / total).
func Progress(sent, total int) int {
	if total <= 0 {
		return 100
	}
	return (200*sent + total) / (2 * total)
}
