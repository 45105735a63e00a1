package ledger

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/forest6511/ssiagent/pkg/errs"
)

const (
	issuerDID = "Th7MpTaRZVRYnPiabds81Y"
	otherDID  = "V4SGRU86Z58d6TV7PBUe6f"
)

func newConnectedPool(t *testing.T) *Pool {
	t.Helper()
	p := NewPool(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, p.Connect())
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func TestIdentifiers(t *testing.T) {
	sid := SchemaID(issuerDID, "gvt", "1.0")
	require.Equal(t, "Th7MpTaRZVRYnPiabds81Y:2:gvt:1.0", sid)
	require.Equal(t, "Th7MpTaRZVRYnPiabds81Y:3:CL:Th7MpTaRZVRYnPiabds81Y:2:gvt:1.0:TAG1",
		CredDefID(issuerDID, sid, "TAG1"))

	did, name, version, err := ParseSchemaID(sid)
	require.NoError(t, err)
	require.Equal(t, []string{issuerDID, "gvt", "1.0"}, []string{did, name, version})

	did, schemaID, tag, err := ParseCredDefID(CredDefID(otherDID, sid, "default"))
	require.NoError(t, err)
	require.Equal(t, []string{otherDID, sid, "default"}, []string{did, schemaID, tag})

	for _, bad := range []string{"", "x", issuerDID + ":2:gvt", issuerDID + ":9:gvt:1.0", "notbase58!:2:gvt:1.0", issuerDID + ":2::1.0"} {
		_, _, _, err := ParseSchemaID(bad)
		require.ErrorIs(t, err, ErrInvalidID, "schema id %q", bad)
	}
	for _, bad := range []string{"", sid, issuerDID + ":3:XX:" + sid + ":t", issuerDID + ":3:CL:" + sid + ":"} {
		_, _, _, err := ParseCredDefID(bad)
		require.ErrorIs(t, err, ErrInvalidID, "cred def id %q", bad)
	}
}

func TestNotConnected(t *testing.T) {
	p := NewPool(filepath.Join(t.TempDir(), "ledger.db"))
	require.False(t, p.IsConnected())

	sid := SchemaID(issuerDID, "gvt", "1.0")
	_, err := p.WriteSchema(issuerDID, "gvt", "1.0", []string{"name"})
	require.Equal(t, errs.PoolNotConnected, errs.CodeOf(err))
	_, err = p.GetSchema(sid)
	require.Equal(t, errs.PoolNotConnected, errs.CodeOf(err))
	_, err = p.GetCredDef(CredDefID(issuerDID, sid, "t"))
	require.Equal(t, errs.PoolNotConnected, errs.CodeOf(err))

	require.NoError(t, p.Connect())
	require.NoError(t, p.Connect(), "connect is idempotent")
	require.True(t, p.IsConnected())
	require.NoError(t, p.Close())
	require.NoError(t, p.Close(), "close is idempotent")

	_, err = p.GetSchema(sid)
	require.ErrorIs(t, err, ErrNotConnected)
}

func TestWriteSchemaIdempotent(t *testing.T) {
	p := newConnectedPool(t)

	id1, err := p.WriteSchema(issuerDID, "gvt", "1.0", []string{"name", "age", "sex"})
	require.NoError(t, err)
	id2, err := p.WriteSchema(issuerDID, "gvt", "1.0", []string{"sex", "name", "age", "age"})
	require.NoError(t, err)
	require.Equal(t, id1, id2)

	_, err = p.WriteSchema(issuerDID, "gvt", "1.0", []string{"name"})
	require.Equal(t, errs.AlreadyExists, errs.CodeOf(err))

	s, err := p.GetSchema(id1)
	require.NoError(t, err)
	require.Equal(t, []string{"age", "name", "sex"}, s.AttrNames)
	require.Equal(t, issuerDID, s.IssuerDID)
	require.Equal(t, "gvt", s.Name)
}

func TestWriteSchemaValidation(t *testing.T) {
	p := newConnectedPool(t)

	tests := []struct {
		did, name, version string
		attrs              []string
	}{
		{"", "gvt", "1.0", []string{"a"}},
		{"did:sov:" + issuerDID, "gvt", "1.0", []string{"a"}},
		{issuerDID, "", "1.0", []string{"a"}},
		{issuerDID, "g:vt", "1.0", []string{"a"}},
		{issuerDID, "gvt", "", []string{"a"}},
		{issuerDID, "gvt", "1.0", nil},
		{issuerDID, "gvt", "1.0", []string{""}},
	}
	for _, tc := range tests {
		_, err := p.WriteSchema(tc.did, tc.name, tc.version, tc.attrs)
		require.Equal(t, errs.InvalidArgument, errs.CodeOf(err), "%+v", tc)
	}
}

func TestWriteCredDefIdempotent(t *testing.T) {
	p := newConnectedPool(t)

	sid, err := p.WriteSchema(issuerDID, "gvt", "1.0", []string{"name"})
	require.NoError(t, err)

	id1, err := p.WriteCredDef(otherDID, sid, "TAG1", false)
	require.NoError(t, err)
	id2, err := p.WriteCredDef(otherDID, sid, "TAG1", false)
	require.NoError(t, err)
	require.Equal(t, id1, id2)
	require.Equal(t, CredDefID(otherDID, sid, "TAG1"), id1)

	idOther, err := p.WriteCredDef(otherDID, sid, "TAG2", false)
	require.NoError(t, err)
	require.NotEqual(t, id1, idOther)

	_, err = p.WriteCredDef(otherDID, sid, "TAG1", true)
	require.ErrorIs(t, err, ErrConflict)

	cd, err := p.GetCredDef(id1)
	require.NoError(t, err)
	require.Equal(t, sid, cd.SchemaID)
	require.Equal(t, "TAG1", cd.Tag)
	require.Equal(t, "CL", cd.SignatureType)
}

func TestWriteCredDefUnknownSchema(t *testing.T) {
	p := newConnectedPool(t)

	_, err := p.WriteCredDef(issuerDID, SchemaID(issuerDID, "missing", "1.0"), "t", false)
	require.Equal(t, errs.NotFound, errs.CodeOf(err))

	_, err = p.WriteCredDef(issuerDID, "garbage", "t", false)
	require.Equal(t, errs.InvalidArgument, errs.CodeOf(err))
}

func TestGetNotFoundVersusInvalid(t *testing.T) {
	p := newConnectedPool(t)
	sid := SchemaID(issuerDID, "unregistered", "9.9")

	_, err := p.GetSchema(sid)
	require.ErrorIs(t, err, ErrSchemaNotFound)
	require.Equal(t, errs.NotFound, errs.CodeOf(err))

	_, err = p.GetCredDef(CredDefID(issuerDID, sid, "t"))
	require.ErrorIs(t, err, ErrCredDefNotFound)

	_, err = p.GetSchema("not-an-id")
	require.Equal(t, errs.InvalidArgument, errs.CodeOf(err))
	_, err = p.GetCredDef("not-an-id")
	require.Equal(t, errs.InvalidArgument, errs.CodeOf(err))
}

func TestMirrorPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.db")

	p := NewPool(path)
	require.NoError(t, p.Connect())
	sid, err := p.WriteSchema(issuerDID, "gvt", "1.0", []string{"name"})
	require.NoError(t, err)
	require.NoError(t, p.Close())

	p = NewPool(path)
	require.NoError(t, p.Connect())
	defer p.Close()
	s, err := p.GetSchema(sid)
	require.NoError(t, err)
	require.Equal(t, sid, s.ID)
}
