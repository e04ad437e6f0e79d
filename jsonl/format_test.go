package jsonl

import (
	"bytes"
	"io"
	"path/filepath"
	"strings"
	"testing"

	"github.com/luxfi/geth/common"
	"github.com/stretchr/testify/require"

	"github.com/luxfi/storagedump"
)

var (
	alice = common.HexToAddress("0x1111111111111111111111111111111111111111")
	bob   = common.HexToAddress("0x2222222222222222222222222222222222222222")
	carol = common.HexToAddress("0x3333333333333333333333333333333333333333")
)

func TestWriterReaderFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys.jsonl")

	w, err := NewWriter(path)
	require.NoError(t, err)
	require.NoError(t, w.WriteKeys(storagedump.NewKeySet(bob, alice)))
	require.NoError(t, w.WritePair(alice, carol))
	require.NoError(t, w.Close())

	r, err := NewReader(path)
	require.NoError(t, err)
	defer r.Close()

	records, err := r.ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 3)
	require.Equal(t, alice, records[0].Key)
	require.Nil(t, records[0].Inner)
	require.Equal(t, bob, records[1].Key)
	require.Equal(t, alice, records[2].Key)
	require.Equal(t, carol, *records[2].Inner)
}

func TestStreamWriterFormat(t *testing.T) {
	var buf bytes.Buffer
	w := NewStreamWriter(&buf)
	require.NoError(t, w.WriteRecord(Record{Key: alice, Block: 7}))
	require.NoError(t, w.Close())

	require.Equal(t, `{"key":"`+alice.Hex()+`","block":7}`+"\n", buf.String())
}

func TestReaderSkipsBlankLines(t *testing.T) {
	in := "\n" + `{"key":"` + strings.ToLower(bob.Hex()) + `"}` + "\n\n"
	r := NewStreamReader(strings.NewReader(in))

	rec, err := r.ReadRecord()
	require.NoError(t, err)
	require.Equal(t, bob, rec.Key)

	_, err = r.ReadRecord()
	require.ErrorIs(t, err, io.EOF)
}

func TestReaderRejectsBadAddress(t *testing.T) {
	in := `{"key":"` + alice.Hex() + `"}` + "\n" + `{"key":"0x1234"}` + "\n"
	r := NewStreamReader(strings.NewReader(in))

	_, err := r.ReadAll()
	require.ErrorIs(t, err, storagedump.ErrInvalidAddress)
	require.Contains(t, err.Error(), "line 2")
}

func TestReaderRejectsMalformedLine(t *testing.T) {
	r := NewStreamReader(strings.NewReader("not json\n"))
	_, err := r.ReadRecord()
	require.Error(t, err)
	require.Contains(t, err.Error(), "line 1")
}

func TestKeys(t *testing.T) {
	records := []Record{
		{Key: alice},
		{Key: alice, Inner: &bob},
		{Key: carol, Inner: &bob},
		{Key: alice, Inner: &carol},
	}
	keys, nested := Keys(records)

	require.Equal(t, []common.Address{alice, bob, carol}, keys.Addresses())
	require.Equal(t, []storagedump.NestedKey{
		{Outer: storagedump.KeyValue(alice.Hex()), Inner: []storagedump.KeyValue{storagedump.KeyValue(bob.Hex()), storagedump.KeyValue(carol.Hex())}},
		{Outer: storagedump.KeyValue(carol.Hex()), Inner: []storagedump.KeyValue{storagedump.KeyValue(bob.Hex())}},
	}, nested)
}
