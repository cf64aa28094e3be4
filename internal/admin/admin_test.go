package admin

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"path/filepath"
	"strings"
	"testing"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// multipartBody encodes pairs of name, value as multipart/form-data.
func multipartBody(t *testing.T, pairs ...string) (string, *bytes.Buffer) {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for i := 0; i+1 < len(pairs); i += 2 {
		if err := w.WriteField(pairs[i], pairs[i+1]); err != nil {
			t.Fatalf("WriteField: %v", err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	return w.FormDataContentType(), &buf
}

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := OpenStore(filepath.Join(t.TempDir(), "admin.db"))
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSchema_Validate(t *testing.T) {
	s := DefaultSchema()

	tests := []struct {
		name     string
		values   []FormValue
		wantErrs []string
	}{
		{
			name:   "valid without email",
			values: []FormValue{{"username", "admin"}, {"password", "correct-horse"}},
		},
		{
			name:   "valid with email",
			values: []FormValue{{"username", "admin"}, {"email", "a@example.com"}, {"password", "correct-horse"}},
		},
		{
			name:     "empty required",
			values:   []FormValue{{"username", ""}, {"password", "correct-horse"}},
			wantErrs: []string{"username is required"},
		},
		{
			name:     "missing required",
			values:   []FormValue{{"username", "admin"}},
			wantErrs: []string{"password is required"},
		},
		{
			name:     "pattern mismatch",
			values:   []FormValue{{"username", "a b"}, {"password", "short"}},
			wantErrs: []string{"username is not valid", "password is not valid"},
		},
		{
			name:     "bad optional email",
			values:   []FormValue{{"username", "admin"}, {"email", "nope"}, {"password", "correct-horse"}},
			wantErrs: []string{"email is not valid"},
		},
		{
			name:     "unknown field",
			values:   []FormValue{{"role", "root"}, {"username", "admin"}, {"password", "correct-horse"}},
			wantErrs: []string{"role is not a valid field"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.Validate(tt.values)
			if len(tt.wantErrs) == 0 {
				if err != nil {
					t.Fatalf("Validate() error = %v", err)
				}
				if got["username"] != "admin" {
					t.Errorf("username = %q, want %q", got["username"], "admin")
				}
				return
			}

			var ve *ValidationError
			if !errors.As(err, &ve) {
				t.Fatalf("Validate() error = %v, want *ValidationError", err)
			}
			if !errors.Is(err, ErrValidation) {
				t.Error("error should wrap ErrValidation")
			}
			if want := strings.Join(tt.wantErrs, "\n"); ve.Error() != want {
				t.Errorf("Error() = %q, want %q", ve.Error(), want)
			}
		})
	}
}

func TestNewSchema_Errors(t *testing.T) {
	if _, err := NewSchema(Field{Name: "a"}, Field{Name: "a"}); err == nil {
		t.Error("duplicate field should fail")
	}
	if _, err := NewSchema(Field{Name: "a", Pattern: "("}); err == nil {
		t.Error("bad pattern should fail")
	}
	if _, err := NewSchema(Field{}); err == nil {
		t.Error("empty name should fail")
	}
}

func TestReadForm(t *testing.T) {
	ct, body := multipartBody(t, "username", "admin", "password", "secret123")

	values, err := ReadForm(ct, body)
	if err != nil {
		t.Fatalf("ReadForm() error = %v", err)
	}
	want := []FormValue{{"username", "admin"}, {"password", "secret123"}}
	if len(values) != len(want) {
		t.Fatalf("got %d values, want %d", len(values), len(want))
	}
	for i := range want {
		if values[i] != want[i] {
			t.Errorf("values[%d] = %+v, want %+v", i, values[i], want[i])
		}
	}
}

func TestReadForm_InvalidBoundary(t *testing.T) {
	for _, ct := range []string{
		"",
		"application/json",
		"multipart/form-data",
		"multipart/form-data; boundary=",
		"text/plain; boundary=abc",
	} {
		t.Run(ct, func(t *testing.T) {
			_, err := ReadForm(ct, strings.NewReader("irrelevant"))
			if !errors.Is(err, ErrInvalidBoundary) {
				t.Errorf("ReadForm(%q) error = %v, want ErrInvalidBoundary", ct, err)
			}
		})
	}
}

func TestReadForm_Malformed(t *testing.T) {
	_, err := ReadForm("multipart/form-data; boundary=xyz", strings.NewReader("--xyz\r\nContent-Disposition: form-data; name=\"a\"\r\n\r\nno closing boundary"))
	if !errors.Is(err, ErrMalformedForm) {
		t.Errorf("error = %v, want ErrMalformedForm", err)
	}
}

func TestReadForm_FieldTooLarge(t *testing.T) {
	ct, body := multipartBody(t, "username", strings.Repeat("x", maxFieldBytes+1))
	_, err := ReadForm(ct, body)
	if !errors.Is(err, ErrMalformedForm) {
		t.Errorf("error = %v, want ErrMalformedForm", err)
	}
}

func TestReadForm_TooManyParts(t *testing.T) {
	pairs := make([]string, 0, 2*(maxParts+1))
	for i := range maxParts + 1 {
		pairs = append(pairs, fmt.Sprintf("f%d", i), "v")
	}

	ct, body := multipartBody(t, pairs[:2*maxParts]...)
	values, err := ReadForm(ct, body)
	if err != nil {
		t.Fatalf("ReadForm(%d parts) error = %v", maxParts, err)
	}
	if len(values) != maxParts {
		t.Errorf("got %d values, want %d", len(values), maxParts)
	}

	ct, body = multipartBody(t, pairs...)
	if _, err := ReadForm(ct, body); !errors.Is(err, ErrMalformedForm) {
		t.Errorf("ReadForm(%d parts) error = %v, want ErrMalformedForm", maxParts+1, err)
	}
}

func TestHashPassword_Verify(t *testing.T) {
	hash, err := HashPassword("correct-horse")
	if err != nil {
		t.Fatalf("HashPassword() error = %v", err)
	}
	if !strings.HasPrefix(hash, "$argon2id$v=19$") {
		t.Errorf("hash = %q, want PHC argon2id prefix", hash)
	}

	ok, err := VerifyPassword(hash, "correct-horse")
	if err != nil || !ok {
		t.Errorf("VerifyPassword(correct) = %v, %v; want true, nil", ok, err)
	}
	ok, err = VerifyPassword(hash, "battery-staple")
	if err != nil || ok {
		t.Errorf("VerifyPassword(wrong) = %v, %v; want false, nil", ok, err)
	}

	other, err := HashPassword("correct-horse")
	if err != nil {
		t.Fatal(err)
	}
	if other == hash {
		t.Error("two hashes of the same password should differ by salt")
	}
}

func TestVerifyPassword_Malformed(t *testing.T) {
	for _, h := range []string{
		"",
		"plain",
		"$bcrypt$v=19$m=1,t=1,p=1$c2FsdA$a2V5",
		"$argon2id$v=18$m=1,t=1,p=1$c2FsdA$a2V5",
		"$argon2id$v=19$garbage$c2FsdA$a2V5",
		"$argon2id$v=19$m=1,t=1,p=1$!!$a2V5",
	} {
		if _, err := VerifyPassword(h, "x"); err == nil {
			t.Errorf("VerifyPassword(%q) should fail", h)
		}
	}
}

func TestStore_InsertLookup(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	if err := s.CreateTable(ctx); err != nil {
		t.Fatalf("CreateTable() error = %v", err)
	}
	if err := s.CreateTable(ctx); err != nil {
		t.Fatalf("CreateTable() second call error = %v", err)
	}

	id, err := s.Insert(ctx, User{Username: "admin", Email: "a@example.com", PasswordHash: "h"})
	if err != nil {
		t.Fatalf("Insert() error = %v", err)
	}
	if id <= 0 {
		t.Errorf("id = %d, want > 0", id)
	}

	u, err := s.Lookup(ctx, "admin")
	if err != nil {
		t.Fatalf("Lookup() error = %v", err)
	}
	if u.ID != id || u.Email != "a@example.com" || u.PasswordHash != "h" {
		t.Errorf("Lookup() = %+v", u)
	}
	if u.CreatedAt.IsZero() {
		t.Error("CreatedAt should be set")
	}

	if _, err := s.Insert(ctx, User{Username: "admin", PasswordHash: "h2"}); !errors.Is(err, ErrDuplicate) {
		t.Errorf("duplicate Insert() error = %v, want ErrDuplicate", err)
	}
	if _, err := s.Lookup(ctx, "nobody"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Lookup(nobody) error = %v, want ErrNotFound", err)
	}
}

func TestService_RegisterLogin(t *testing.T) {
	ctx := context.Background()
	svc := NewService(openTestStore(t), testLogger())

	ct, body := multipartBody(t, "username", "admin", "email", "a@example.com", "password", "correct-horse")
	u, err := svc.Register(ctx, ct, body)
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if u.ID == 0 || u.PasswordHash == "correct-horse" {
		t.Errorf("Register() = %+v, want stored user with hashed password", u)
	}

	ct, body = multipartBody(t, "username", "admin", "password", "correct-horse")
	if _, err := svc.Register(ctx, ct, body); !errors.Is(err, ErrDuplicate) {
		t.Errorf("second Register() error = %v, want ErrDuplicate", err)
	}

	ct, body = multipartBody(t, "username", "admin", "password", "correct-horse")
	got, err := svc.Login(ctx, ct, body)
	if err != nil {
		t.Fatalf("Login() error = %v", err)
	}
	if got.Username != "admin" {
		t.Errorf("Login() user = %q, want %q", got.Username, "admin")
	}

	ct, body = multipartBody(t, "username", "admin", "password", "wrong-horse")
	if _, err := svc.Login(ctx, ct, body); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("Login(wrong password) error = %v, want ErrInvalidCredentials", err)
	}

	ct, body = multipartBody(t, "username", "ghost", "password", "correct-horse")
	if _, err := svc.Login(ctx, ct, body); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("Login(unknown user) error = %v, want ErrInvalidCredentials", err)
	}
}

func TestService_LoginUnknownUserStillVerifies(t *testing.T) {
	ctx := context.Background()
	svc := NewService(openTestStore(t), testLogger())
	if err := svc.CreateStorageTable(ctx); err != nil {
		t.Fatalf("CreateStorageTable() error = %v", err)
	}

	var hashes []string
	svc.verify = func(encoded, password string) (bool, error) {
		hashes = append(hashes, encoded)
		return VerifyPassword(encoded, password)
	}

	ct, body := multipartBody(t, "username", "ghost", "password", "correct-horse")
	if _, err := svc.Login(ctx, ct, body); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("Login(unknown user) error = %v, want ErrInvalidCredentials", err)
	}
	if len(hashes) != 1 || !strings.HasPrefix(hashes[0], "$argon2id$") {
		t.Errorf("verified hashes = %v, want one argon2id verification", hashes)
	}
}

func TestService_RegisterValidation(t *testing.T) {
	svc := NewService(openTestStore(t), testLogger())

	ct, body := multipartBody(t, "username", "", "extra", "1")
	_, err := svc.Register(context.Background(), ct, body)

	var ve *ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("Register() error = %v, want *ValidationError", err)
	}
	want := "username is required\nextra is not a valid field\npassword is required"
	if ve.Error() != want {
		t.Errorf("Error() = %q, want %q", ve.Error(), want)
	}
}
