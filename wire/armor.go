package wire

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"

	// openpgp is frozen upstream; only the RFC 4880 armor framing is used.
	//lint:ignore SA1019 armor framing is stable and still maintained in x/crypto
	"golang.org/x/crypto/openpgp/armor"
)

// ErrArmor indicates text is not a canonical armored block.
var ErrArmor = errors.New("malformed armor")

// Armor wraps body in an OpenPGP ASCII armor block of the given type.
// At most one header is allowed so that the output is deterministic.
// The result has no trailing newline.
func Armor(blockType string, header map[string]string, body []byte) (string, error) {
	if len(header) > 1 {
		return "", fmt.Errorf("armor: %d headers given, at most one supported", len(header))
	}

	var buf bytes.Buffer
	w, err := armor.Encode(&buf, blockType, header)
	if err != nil {
		return "", fmt.Errorf("failed to start armor block: %w", err)
	}
	if _, err := w.Write(body); err != nil {
		return "", fmt.Errorf("failed to write armor body: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("failed to close armor block: %w", err)
	}
	return buf.String(), nil
}

// Unarmor decodes exactly one armored block of the expected type and returns
// its header and body. The text must be the exact output of Armor for the
// decoded header and body: leading garbage, trailing data, altered line
// breaks, padding or checksum variants are all rejected. Bodies longer than
// maxBody are rejected.
func Unarmor(text, blockType string, maxBody int) (map[string]string, []byte, error) {
	block, err := armor.Decode(strings.NewReader(text))
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrArmor, err)
	}
	if block.Type != blockType {
		return nil, nil, fmt.Errorf("%w: block type %q, want %q", ErrArmor, block.Type, blockType)
	}
	if len(block.Header) > 1 {
		return nil, nil, fmt.Errorf("%w: %d headers", ErrArmor, len(block.Header))
	}

	body, err := io.ReadAll(io.LimitReader(block.Body, int64(maxBody)+1))
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrArmor, err)
	}
	if len(body) > maxBody {
		return nil, nil, fmt.Errorf("%w: body exceeds %d bytes", ErrArmor, maxBody)
	}

	canonical, err := Armor(blockType, block.Header, body)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrArmor, err)
	}
	if canonical != text {
		return nil, nil, fmt.Errorf("%w: non-canonical encoding", ErrArmor)
	}

	return block.Header, body, nil
}
