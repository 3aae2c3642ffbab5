package job

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLocation(t *testing.T) {
	tests := []struct {
		in      string
		kind    Kind
		scheme  string
		address string
		name    string
	}{
		{"/data/file.txt", KindLocalPath, SchemeFile, "/data/file.txt", ""},
		{"file:///data/file.txt", KindLocalPath, SchemeFile, "/data/file.txt", ""},
		{"s3://bucket/a/b.txt", KindCloudBlob, SchemeS3, "bucket", "a/b.txt"},
		{"s3://bucket/prefix/", KindCloudDirectory, SchemeS3, "bucket", "prefix"},
		{"s3://bucket", KindCloudDirectory, SchemeS3, "bucket", ""},
		{"minio://bucket/obj", KindCloudBlob, SchemeMinio, "bucket", "obj"},
		{"https://example.com/x", KindURI, "https", "https://example.com/x", ""},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			l, err := ParseLocation(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.kind, l.Kind())
			assert.Equal(t, tt.scheme, l.Scheme())
			assert.Equal(t, tt.address, l.Address())
			assert.Equal(t, tt.name, l.Name())
		})
	}

	_, err := ParseLocation("")
	assert.ErrorIs(t, err, ErrInvalidArgument)
	_, err = ParseLocation("s3:///key")
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestLocation_MetadataIsImmutable(t *testing.T) {
	md := map[string]string{"owner": "ops"}
	l := NewCloudBlob("b", "k", WithMetadata(md))

	md["owner"] = "changed"
	assert.Equal(t, "ops", l.Metadata()["owner"])

	got := l.Metadata()
	got["owner"] = "changed"
	assert.Equal(t, "ops", l.Metadata()["owner"])
}

func TestLocation_Child(t *testing.T) {
	dir := NewCloudDirectory("bucket", "root/")
	child := dir.Child("sub/file.txt", false)
	assert.Equal(t, KindCloudBlob, child.Kind())
	assert.Equal(t, "root/sub/file.txt", child.Name())
	assert.Equal(t, "bucket", child.Address())

	sub := dir.Child("sub", true)
	assert.Equal(t, KindCloudDirectory, sub.Kind())

	local := NewLocalPath("/data").Child("x/y", false)
	assert.Equal(t, "/data/x/y", local.Path())
}

func TestLocation_SameService(t *testing.T) {
	a := NewCloudBlob("a", "k")
	b := NewCloudBlob("b", "k")
	m, err := ParseLocation("minio://a/k")
	require.NoError(t, err)

	assert.True(t, a.SameService(b))
	assert.False(t, a.SameService(m))
	assert.False(t, a.SameService(NewCloudBlob("b", "k", WithCredential("other"))))
	assert.False(t, NewLocalPath("/x").SameService(NewLocalPath("/y")))
}

func TestLocation_IsZero(t *testing.T) {
	assert.True(t, Location{}.IsZero())
	assert.False(t, NewLocalPath("/x").IsZero())
	assert.Equal(t, "<none>", Location{}.String())
	assert.Equal(t, "s3://b/k", NewCloudBlob("b", "k").String())
}

func TestLocation_Constructors(t *testing.T) {
	f := NewCloudFile("share", "/reports/q1.csv", WithCredential("ops"))
	assert.Equal(t, KindCloudFile, f.Kind())
	assert.Equal(t, "share", f.Address())
	assert.Equal(t, "reports/q1.csv", f.Name())
	assert.Equal(t, "ops", f.Credential())
	assert.True(t, f.IsCloud())

	d := NewCloudDirectory("bucket", "/logs/")
	assert.Equal(t, "logs", d.Name())
	assert.Equal(t, KindCloudBlob, d.Child("2024/app.log", false).Kind())
}
