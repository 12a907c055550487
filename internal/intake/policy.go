package intake

import (
	"errors"
	"regexp"
	"strings"
)

// DefaultMaxBytes caps a single submission at 25 MiB.
const DefaultMaxBytes = 25 << 20

// Rejections.
var (
	ErrUnsupportedType = errors.New("intake: invalid file type")
	ErrNoExtension     = errors.New("intake: file has no extension")
	ErrTooLarge        = errors.New("intake: file too large or empty")
	ErrExecutable      = errors.New("intake: ELF files are not supported")
	ErrNoAttachments   = errors.New("intake: message has no attachments")
)

// DefaultExtensions are the script and Windows executable suffixes the
// analysis VMs can run.
var DefaultExtensions = []string{
	// scripts
	".py", ".sh", ".bat", ".ps1", ".psm1", ".psd1", ".vbs", ".js", ".ts",
	// windows executables and libraries
	".exe", ".dll", ".com",
	// windows scripting host
	".vb", ".cmd", ".jse", ".ws", ".wsf", ".wsc", ".wsh",
	// monad shell
	".msh", ".msh1", ".msh2", ".mshxml", ".msh1xml", ".msh2xml",
}

// Policy decides which uploads are accepted.
type Policy struct {
	MaxBytes   int64
	Extensions []string
}

// DefaultPolicy returns the stock allowlist and size cap.
func DefaultPolicy() Policy {
	return Policy{MaxBytes: DefaultMaxBytes, Extensions: DefaultExtensions}
}

// Accepted holds the normalised name of an upload that passed the name
// checks.
type Accepted struct {
	Name      string
	Extension string
}

// CheckName validates the client-supplied file name and returns its safe
// form and extension.
func (p Policy) CheckName(name string) (*Accepted, error) {
	if !p.allowed(name) {
		return nil, ErrUnsupportedType
	}
	safe := SafeName(name)
	ext, ok := Extension(safe)
	if !ok {
		return nil, ErrNoExtension
	}
	return &Accepted{Name: safe, Extension: ext}, nil
}

// CheckSize rejects empty content and content over the cap.
func (p Policy) CheckSize(n int64) error {
	limit := p.MaxBytes
	if limit <= 0 {
		limit = DefaultMaxBytes
	}
	if n == 0 || n > limit {
		return ErrTooLarge
	}
	return nil
}

func (p Policy) allowed(name string) bool {
	lower := strings.ToLower(name)
	for _, ext := range p.Extensions {
		if strings.HasSuffix(lower, ext) {
			return true
		}
	}
	return false
}

// Extension returns everything from the first dot of name, e.g.
// ".exe.py" for "main.exe.py".
func Extension(name string) (string, bool) {
	i := strings.IndexByte(name, '.')
	if i < 0 {
		return "", false
	}
	return name[i:], true
}

var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9_.-]`)

// SafeName reduces a client file name to ASCII letters, digits, '_', '-'
// and '.', with no path components. "../etc/passwd" becomes "etc_passwd"
// and "my file.txt" becomes "my_file.txt".
func SafeName(name string) string {
	var b strings.Builder
	for _, r := range name {
		if r < 0x80 {
			b.WriteRune(r)
		}
	}
	s := strings.NewReplacer("/", " ", "\\", " ").Replace(b.String())
	s = strings.Join(strings.Fields(s), "_")
	s = unsafeChars.ReplaceAllString(s, "")
	return strings.Trim(s, "._")
}
