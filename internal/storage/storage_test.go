package storage

import (
	"bytes"
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newLocal(t *testing.T) *LocalStorage {
	t.Helper()
	s, err := NewLocalStorage(LocalConfig{BasePath: t.TempDir(), BaseURL: "http://files.test/"}, nil)
	require.NoError(t, err)
	return s
}

func TestArtifactKey(t *testing.T) {
	tests := []struct {
		name, filename, want string
	}{
		{"plain", "report.pdf", "attempts/a1/report.pdf"},
		{"spaces", "Ofsted Report (final).pdf", "attempts/a1/Ofsted_Report_final_.pdf"},
		{"traversal", "../../etc/passwd", "attempts/a1/passwd"},
		{"windows path", `C:\Users\me\report.pdf`, "attempts/a1/report.pdf"},
		{"empty", "", "attempts/a1/" + DefaultArchiveName},
		{"dots only", "..", "attempts/a1/" + DefaultArchiveName},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ArtifactKey("a1", tt.filename))
		})
	}
}

func TestLocalStorage_PutGet(t *testing.T) {
	s := newLocal(t)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "attempts/a1/report.pdf", strings.NewReader("%PDF-1.4"), PutOptions{}))

	rc, info, err := s.Get(ctx, "attempts/a1/report.pdf")
	require.NoError(t, err)
	defer rc.Close()
	body, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "%PDF-1.4", string(body))
	assert.Equal(t, int64(8), info.Size)
	assert.Equal(t, ContentTypePDF, info.ContentType)

	err = s.Put(ctx, "attempts/a1/report.pdf", strings.NewReader("x"), PutOptions{})
	assert.ErrorIs(t, err, ErrKeyExists)

	require.NoError(t, s.Put(ctx, "attempts/a1/report.pdf", strings.NewReader("x"), PutOptions{Overwrite: true}))
}

func TestLocalStorage_MaxSize(t *testing.T) {
	s := newLocal(t)
	ctx := context.Background()

	err := s.Put(ctx, "big.pdf", bytes.NewReader(make([]byte, 11)), PutOptions{MaxSize: 10})
	assert.ErrorIs(t, err, ErrTooLarge)

	ok, err := s.Exists(ctx, "big.pdf")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestLocalStorage_RejectsTraversal(t *testing.T) {
	s := newLocal(t)
	ctx := context.Background()

	for _, key := range []string{"", "../outside.pdf", "a/../../outside.pdf", "/etc/passwd"} {
		err := s.Put(ctx, key, strings.NewReader("x"), PutOptions{})
		assert.ErrorIs(t, err, ErrInvalidKey, "key %q", key)
	}
}

func TestLocalStorage_DeleteAndURL(t *testing.T) {
	s := newLocal(t)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "k.pdf", strings.NewReader("x"), PutOptions{}))
	url, err := s.URL(ctx, "k.pdf", time.Hour)
	require.NoError(t, err)
	assert.Equal(t, "http://files.test/k.pdf", url)

	require.NoError(t, s.Delete(ctx, "k.pdf"))
	require.NoError(t, s.Delete(ctx, "k.pdf"))

	_, _, err = s.Get(ctx, "k.pdf")
	assert.True(t, IsNotFound(err))
}

func TestArchive_StoreAndURL(t *testing.T) {
	a := NewArchive(newLocal(t), nil)
	ctx := context.Background()

	key, err := a.Store(ctx, "a1", "report.pdf", []byte("%PDF-1.4"))
	require.NoError(t, err)
	assert.Equal(t, "attempts/a1/report.pdf", key)

	// Retried archives overwrite.
	_, err = a.Store(ctx, "a1", "report.pdf", []byte("%PDF-1.5"))
	require.NoError(t, err)

	url, err := a.URL(ctx, "a1", "report.pdf", 0)
	require.NoError(t, err)
	assert.Equal(t, "http://files.test/attempts/a1/report.pdf", url)

	_, err = a.URL(ctx, "missing", "report.pdf", 0)
	assert.True(t, IsNotFound(err))

	require.NoError(t, a.Remove(ctx, "a1", "report.pdf"))
	_, err = a.URL(ctx, "a1", "report.pdf", 0)
	assert.True(t, IsNotFound(err))
}

func TestArchive_StoreFailureIsReported(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	a := NewArchive(newLocal(t), nil)
	_, err := a.Store(ctx, "a1", "report.pdf", []byte("x"))
	assert.Error(t, err)
}

func TestContentTypes(t *testing.T) {
	assert.True(t, IsPDF("application/pdf"))
	assert.True(t, IsPDF("Application/PDF; charset=binary"))
	assert.False(t, IsPDF("text/plain"))

	assert.Equal(t, ContentTypePDF, SniffContentType([]byte("%PDF-1.7\n...")))
	assert.NotEqual(t, ContentTypePDF, SniffContentType([]byte("hello world")))
	assert.Equal(t, ContentTypePDF, DetectContentType("", "x.pdf", nil))
	assert.Equal(t, "application/octet-stream", DetectContentType("", "noext", nil))
}

func TestR2Storage_PresignedURL(t *testing.T) {
	s, err := NewR2Storage(R2Config{
		AccountID:       "acct",
		AccessKeyID:     "AKIDEXAMPLE",
		SecretAccessKey: "secret",
		BucketName:      "archive",
	}, nil)
	require.NoError(t, err)

	url, err := s.URL(context.Background(), "attempts/a1/report.pdf", 5*time.Minute)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(url, "https://acct.r2.cloudflarestorage.com/archive/attempts/a1/report.pdf?"), url)
	assert.Contains(t, url, "X-Amz-Signature=")
	assert.Contains(t, url, "X-Amz-Expires=300")
}

func TestR2Storage_PublicURL(t *testing.T) {
	s, err := NewR2Storage(R2Config{AccountID: "acct", BucketName: "archive", PublicURL: "https://files.example.org/"}, nil)
	require.NoError(t, err)

	url, err := s.URL(context.Background(), "attempts/a1/report.pdf", 0)
	require.NoError(t, err)
	assert.Equal(t, "https://files.example.org/attempts/a1/report.pdf", url)

	_, err = s.URL(context.Background(), "../x", 0)
	assert.ErrorIs(t, err, ErrInvalidKey)
}

func TestNewR2Storage_RequiresBucket(t *testing.T) {
	_, err := NewR2Storage(R2Config{AccountID: "acct"}, nil)
	assert.Error(t, err)
}
