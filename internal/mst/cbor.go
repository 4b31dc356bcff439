package mst

import (
	"bytes"
	"fmt"
	"io"

	cbg "github.com/whyrusleeping/cbor-gen"
	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"
)

// Wire layout mirrors the interoperable atproto node shape so two
// implementations of this algorithm produce the same bytes for the
// same tree: {l: CID|null, e: [{p: uint, k: bytes, v: CID, t: CID|null}]}.
// Keys in a DAG-CBOR map are written in bytewise-sorted order.

// encodeNode canonically CBOR-encodes n, prefix-compressing entry keys
// against the immediately preceding entry (§4.3 prefix compression).
func encodeNode(n *Node) ([]byte, error) {
	var buf bytes.Buffer
	cw := cbg.NewCborWriter(&buf)

	if err := cw.WriteMajorTypeHeader(cbg.MajMap, 2); err != nil {
		return nil, err
	}

	if err := writeTextString(cw, "e"); err != nil {
		return nil, err
	}
	if err := cw.WriteMajorTypeHeader(cbg.MajArray, uint64(len(n.Entries))); err != nil {
		return nil, err
	}
	var prevKey string
	for _, e := range n.Entries {
		prefixLen := commonPrefixLen(prevKey, e.Entry.Key)
		suffix := e.Entry.Key[prefixLen:]
		prevKey = e.Entry.Key

		if err := cw.WriteMajorTypeHeader(cbg.MajMap, 4); err != nil {
			return nil, err
		}
		if err := writeTextString(cw, "k"); err != nil {
			return nil, err
		}
		if err := writeByteString(cw, []byte(suffix)); err != nil {
			return nil, err
		}
		if err := writeTextString(cw, "p"); err != nil {
			return nil, err
		}
		if err := writeUint(cw, uint64(prefixLen)); err != nil {
			return nil, err
		}
		if err := writeTextString(cw, "t"); err != nil {
			return nil, err
		}
		if err := writeCIDOrNull(cw, e.Right); err != nil {
			return nil, err
		}
		if err := writeTextString(cw, "v"); err != nil {
			return nil, err
		}
		if err := writeCIDOrNull(cw, &e.Entry.Value); err != nil {
			return nil, err
		}
	}

	if err := writeTextString(cw, "l"); err != nil {
		return nil, err
	}
	if err := writeCIDOrNull(cw, n.Left); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

// decodeNode reverses encodeNode, reconstructing full entry keys from
// their prefix-compressed wire form.
func decodeNode(data []byte) (*Node, error) {
	cr := cbg.NewCborReader(bytes.NewReader(data))

	maj, extra, err := cr.ReadHeader()
	if err != nil {
		return nil, fmt.Errorf("mst: decode node header: %w", err)
	}
	if maj != cbg.MajMap || extra != 2 {
		return nil, fmt.Errorf("mst: decode node: unexpected top-level shape")
	}

	n := &Node{}
	var entriesSeen, leftSeen bool
	for i := 0; i < 2; i++ {
		key, err := readTextString(cr)
		if err != nil {
			return nil, err
		}
		switch key {
		case "e":
			entries, err := decodeEntries(cr)
			if err != nil {
				return nil, err
			}
			n.Entries = entries
			entriesSeen = true
		case "l":
			left, err := readCIDOrNull(cr)
			if err != nil {
				return nil, err
			}
			n.Left = left
			leftSeen = true
		default:
			return nil, fmt.Errorf("mst: decode node: unknown field %q", key)
		}
	}
	if !entriesSeen || !leftSeen {
		return nil, fmt.Errorf("mst: decode node: missing field")
	}
	return n, nil
}

func decodeEntries(cr *cbg.CborReader) ([]NodeEntry, error) {
	maj, extra, err := cr.ReadHeader()
	if err != nil {
		return nil, fmt.Errorf("mst: decode entries header: %w", err)
	}
	if maj != cbg.MajArray {
		return nil, fmt.Errorf("mst: decode entries: expected array")
	}

	out := make([]NodeEntry, 0, extra)
	prevKey := ""
	for i := uint64(0); i < extra; i++ {
		emaj, eextra, err := cr.ReadHeader()
		if err != nil {
			return nil, err
		}
		if emaj != cbg.MajMap || eextra != 4 {
			return nil, fmt.Errorf("mst: decode entry: unexpected shape")
		}

		var prefixLen int
		var suffix []byte
		var right, value *cid.Cid
		for j := 0; j < 4; j++ {
			fk, err := readTextString(cr)
			if err != nil {
				return nil, err
			}
			switch fk {
			case "k":
				suffix, err = readByteString(cr)
			case "p":
				var p uint64
				p, err = readUint(cr)
				prefixLen = int(p)
			case "t":
				right, err = readCIDOrNull(cr)
			case "v":
				value, err = readCIDOrNull(cr)
			default:
				err = fmt.Errorf("mst: decode entry: unknown field %q", fk)
			}
			if err != nil {
				return nil, err
			}
		}
		if prefixLen > len(prevKey) {
			return nil, fmt.Errorf("mst: decode entry: prefix length exceeds previous key")
		}
		key := prevKey[:prefixLen] + string(suffix)
		prevKey = key
		if value == nil {
			return nil, fmt.Errorf("mst: decode entry: missing value cid")
		}
		out = append(out, NodeEntry{Entry: Entry{Key: key, Value: *value}, Right: right})
	}
	return out, nil
}

func commonPrefixLen(a, b string) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	i := 0
	for i < n && a[i] == b[i] {
		i++
	}
	return i
}

func writeTextString(cw *cbg.CborWriter, s string) error {
	if err := cw.WriteMajorTypeHeader(cbg.MajTextString, uint64(len(s))); err != nil {
		return err
	}
	_, err := cw.Write([]byte(s))
	return err
}

func writeByteString(cw *cbg.CborWriter, b []byte) error {
	if err := cw.WriteMajorTypeHeader(cbg.MajByteString, uint64(len(b))); err != nil {
		return err
	}
	_, err := cw.Write(b)
	return err
}

func writeUint(cw *cbg.CborWriter, v uint64) error {
	return cw.WriteMajorTypeHeader(cbg.MajUnsignedInt, v)
}

// writeCIDOrNull writes a DAG-CBOR tag-42 link, or CBOR null when c is nil.
func writeCIDOrNull(cw *cbg.CborWriter, c *cid.Cid) error {
	if c == nil {
		_, err := cw.Write([]byte{0xf6}) // CBOR simple value: null
		return err
	}
	encoded := append([]byte{0x00}, c.Bytes()...) // multibase-identity prefix, per DAG-CBOR link encoding
	if err := cw.WriteMajorTypeHeader(cbg.MajTag, 42); err != nil {
		return err
	}
	if err := cw.WriteMajorTypeHeader(cbg.MajByteString, uint64(len(encoded))); err != nil {
		return err
	}
	_, err := cw.Write(encoded)
	return err
}

func readTextString(cr *cbg.CborReader) (string, error) {
	maj, extra, err := cr.ReadHeader()
	if err != nil {
		return "", err
	}
	if maj != cbg.MajTextString {
		return "", fmt.Errorf("mst: expected text string")
	}
	buf := make([]byte, extra)
	if _, err := io.ReadFull(cr, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

func readByteString(cr *cbg.CborReader) ([]byte, error) {
	maj, extra, err := cr.ReadHeader()
	if err != nil {
		return nil, err
	}
	if maj != cbg.MajByteString {
		return nil, fmt.Errorf("mst: expected byte string")
	}
	buf := make([]byte, extra)
	if _, err := io.ReadFull(cr, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func readUint(cr *cbg.CborReader) (uint64, error) {
	maj, extra, err := cr.ReadHeader()
	if err != nil {
		return 0, err
	}
	if maj != cbg.MajUnsignedInt {
		return 0, fmt.Errorf("mst: expected unsigned int")
	}
	return extra, nil
}

func readCIDOrNull(cr *cbg.CborReader) (*cid.Cid, error) {
	maj, extra, err := cr.ReadHeader()
	if err != nil {
		return nil, err
	}
	if maj == cbg.MajOther && extra == 22 { // null
		return nil, nil
	}
	if maj != cbg.MajTag || extra != 42 {
		return nil, fmt.Errorf("mst: expected cid link or null")
	}
	bmaj, bextra, err := cr.ReadHeader()
	if err != nil {
		return nil, err
	}
	if bmaj != cbg.MajByteString {
		return nil, fmt.Errorf("mst: expected byte string for cid link")
	}
	buf := make([]byte, bextra)
	if _, err := io.ReadFull(cr, buf); err != nil {
		return nil, err
	}
	if len(buf) == 0 || buf[0] != 0x00 {
		return nil, fmt.Errorf("mst: cid link missing multibase-identity prefix")
	}
	c, err := cid.Cast(buf[1:])
	if err != nil {
		return nil, fmt.Errorf("mst: cast cid link: %w", err)
	}
	return &c, nil
}

// cidForBytes computes the CIDv1/DAG-CBOR/SHA-256 identity of encoded
// node bytes.
func cidForBytes(data []byte) (cid.Cid, error) {
	mh, err := multihash.Sum(data, multihash.SHA2_256, -1)
	if err != nil {
		return cid.Undef, fmt.Errorf("mst: multihash: %w", err)
	}
	return cid.NewCidV1(cid.DagCBOR, mh), nil
}

// PutNode canonically encodes n and returns its bytes and CID, the
// unit of work every tree mutation emits along the spine (§4.3 put).
func PutNode(n *Node) ([]byte, cid.Cid, error) {
	data, err := encodeNode(n)
	if err != nil {
		return nil, cid.Undef, fmt.Errorf("mst: encode node: %w", err)
	}
	c, err := cidForBytes(data)
	if err != nil {
		return nil, cid.Undef, err
	}
	return data, c, nil
}
