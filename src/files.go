package elmer

/*------------------------------------------------------------------
 *
 * Name:	files
 *
 * Purpose:	File storage façade: naming rules, quotas, checksums,
 *		and access checks in front of the stored-file table.
 *
 * Description:	Files live as blobs in the database, never on disk, so
 *		a hostile filename can at worst look ugly.  Names are
 *		still sanitized to a-z A-Z 0-9 . _ - and capped at 128
 *		characters because they are echoed over the air.
 *
 *		Per-operator quota: 50 files, 5 MB total, and a per-file
 *		cap from the configuration.
 *
 *---------------------------------------------------------------*/

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"mime"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/charmbracelet/log"
)

const (
	MAX_FILES_PER_USER  = 50
	MAX_TOTAL_FILE_SIZE = 5 * 1024 * 1024
	MAX_FILENAME_LEN    = 128
)

var filenamePattern = regexp.MustCompile(`^[a-zA-Z0-9._-]+$`)

// ValidateFilename returns nil for a name safe to store and echo.
func ValidateFilename(filename string) error {
	if filename == "" {
		return fmt.Errorf("Filename cannot be empty")
	}
	if len(filename) > MAX_FILENAME_LEN {
		return fmt.Errorf("Filename too long (max %d characters)", MAX_FILENAME_LEN)
	}
	if !filenamePattern.MatchString(filename) {
		return fmt.Errorf("Filename contains invalid characters (use only a-z, A-Z, 0-9, ., _, -)")
	}
	if strings.Contains(filename, "..") {
		return fmt.Errorf("Filename cannot contain path separators")
	}

	return nil
}

// SanitizeFilename strips path components, replaces anything outside
// the allowed set with underscore, and trims to length keeping the
// extension.
func SanitizeFilename(filename string) string {
	filename = filepath.Base(filename)
	filename = strings.ReplaceAll(filename, "\\", "_")

	var b = []byte(filename)
	for i, c := range b {
		var ok = c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' ||
			c == '.' || c == '_' || c == '-'
		if !ok {
			b[i] = '_'
		}
	}
	filename = string(b)

	if len(filename) > MAX_FILENAME_LEN {
		var ext = filepath.Ext(filename)
		if len(ext) >= MAX_FILENAME_LEN {
			ext = ""
		}
		filename = filename[:MAX_FILENAME_LEN-len(ext)] + ext
	}

	return filename
}

// FileChecksum returns the MD5 of data as lowercase hex.  MD5 is an
// integrity check against torn transfers, not a security boundary.
func FileChecksum(data []byte) string {
	var sum = md5.Sum(data)
	return hex.EncodeToString(sum[:])
}

// GuessMimeType maps a filename extension to a MIME type.
func GuessMimeType(filename string) string {
	var t = mime.TypeByExtension(filepath.Ext(filename))
	if t == "" {
		return "application/octet-stream"
	}
	// TypeByExtension may append a charset parameter.
	if i := strings.IndexByte(t, ';'); i != -1 {
		t = strings.TrimSpace(t[:i])
	}

	return t
}

// FormatFileSize renders a byte count as B, KB, or MB.
func FormatFileSize(size int) string {
	switch {
	case size < 1024:
		return fmt.Sprintf("%d B", size)
	case size < 1024*1024:
		return fmt.Sprintf("%.1f KB", float64(size)/1024)
	default:
		return fmt.Sprintf("%.1f MB", float64(size)/(1024*1024))
	}
}

// FormatFileList renders metadata rows as a fixed-width table for
// 80-column terminals and packet screens.
func FormatFileList(files []StoredFile, showOwner bool) string {
	if len(files) == 0 {
		return "No files found."
	}

	var lines []string
	lines = append(lines, "ID  | Filename                     | Size    | Owner      | Access")
	lines = append(lines, "----|------------------------------|---------|------------|--------")

	for _, f := range files {
		var name = f.Filename
		if len(name) > 28 {
			name = name[:28]
		}
		var access = f.AccessLevel
		if len(access) > 7 {
			access = access[:7]
		}

		if showOwner {
			var owner = f.OwnerCallsign
			if len(owner) > 10 {
				owner = owner[:10]
			}
			lines = append(lines, fmt.Sprintf("%-4d| %-28s | %7s | %-10s | %s",
				f.ID, name, FormatFileSize(f.FileSize), owner, access))
		} else {
			lines = append(lines, fmt.Sprintf("%-4d| %-28s | %7s | %s",
				f.ID, name, FormatFileSize(f.FileSize), access))
		}
	}

	return strings.Join(lines, "\n")
}

/*-------------------------------------------------------------------
 *
 * Name:	FileManager
 *
 *---------------------------------------------------------------*/

type FileManager struct {
	store       *Store
	maxFileSize int
	log         *log.Logger
}

func NewFileManager(store *Store, maxFileSize int, logger *log.Logger) *FileManager {
	if logger == nil {
		logger = log.Default()
	}
	if maxFileSize <= 0 {
		maxFileSize = 100 * 1024
	}

	return &FileManager{
		store:       store,
		maxFileSize: maxFileSize,
		log:         logger.WithPrefix("files"),
	}
}

// MaxFileSize returns the per-file byte cap.
func (f *FileManager) MaxFileSize() int {
	return f.maxFileSize
}

// CheckQuota returns nil when callsign may store size more bytes.
func (f *FileManager) CheckQuota(callsign string, size int) error {
	if size > f.maxFileSize {
		return fmt.Errorf("File too large (max %d bytes)", f.maxFileSize)
	}

	count, err := f.store.GetFileCount(callsign)
	if err != nil {
		return err
	}
	if count >= MAX_FILES_PER_USER {
		return fmt.Errorf("Maximum file count reached (%d files)", MAX_FILES_PER_USER)
	}

	total, err := f.store.GetTotalFileSize(callsign)
	if err != nil {
		return err
	}
	if total+int64(size) > MAX_TOTAL_FILE_SIZE {
		return fmt.Errorf("Storage quota exceeded (max %d bytes)", MAX_TOTAL_FILE_SIZE)
	}

	return nil
}

// Upload validates, hashes, and stores a file, returning its id.
func (f *FileManager) Upload(filename string, data []byte, owner, accessLevel, description string) (int64, error) {
	filename = SanitizeFilename(filename)

	if err := ValidateFilename(filename); err != nil {
		f.log.Warn("invalid filename", "owner", owner, "filename", filename, "err", err)
		return 0, err
	}

	if err := f.CheckQuota(owner, len(data)); err != nil {
		f.log.Warn("quota exceeded", "owner", owner, "err", err)
		return 0, err
	}

	switch accessLevel {
	case FILE_ACCESS_PRIVATE, FILE_ACCESS_PUBLIC, FILE_ACCESS_SHARED:
	default:
		accessLevel = FILE_ACCESS_PRIVATE
	}

	var record = &StoredFile{
		Filename:      filename,
		FileData:      data,
		FileSize:      len(data),
		MimeType:      GuessMimeType(filename),
		Checksum:      FileChecksum(data),
		OwnerCallsign: strings.ToUpper(owner),
		AccessLevel:   accessLevel,
		Description:   description,
	}

	id, err := f.store.SaveFile(record)
	if err != nil {
		f.log.Error("upload failed", "owner", owner, "filename", filename, "err", err)
		return 0, fmt.Errorf("Upload failed: %v", err)
	}

	f.log.Info("file uploaded", "id", id, "filename", filename,
		"owner", owner, "bytes", len(data), "access", accessLevel)

	return id, nil
}

// Download returns the file with its data after an access check and
// an integrity check against the stored checksum.
func (f *FileManager) Download(fileID int64, callsign string) (*StoredFile, error) {
	allowed, err := f.store.CheckFileAccess(fileID, callsign)
	if err != nil {
		return nil, err
	}
	if !allowed {
		f.log.Warn("access denied", "id", fileID, "callsign", callsign)
		return nil, fmt.Errorf("Access denied")
	}

	record, err := f.store.GetFile(fileID)
	if err != nil {
		return nil, err
	}
	if record == nil {
		return nil, fmt.Errorf("File not found")
	}

	if FileChecksum(record.FileData) != record.Checksum {
		f.log.Error("checksum mismatch", "id", fileID)
		return nil, fmt.Errorf("File integrity check failed")
	}

	if err := f.store.IncrementDownloadCount(fileID); err != nil {
		f.log.Warn("download count update failed", "id", fileID, "err", err)
	}

	f.log.Info("file downloaded", "id", fileID, "filename", record.Filename, "by", callsign)

	return record, nil
}

// List returns metadata for every file callsign can see, optionally
// narrowed to one access level.
func (f *FileManager) List(callsign, accessFilter string) ([]StoredFile, error) {
	return f.store.ListFiles(callsign, accessFilter)
}

// Info returns access-checked metadata for one file, without the data.
func (f *FileManager) Info(fileID int64, callsign string) (*StoredFile, error) {
	allowed, err := f.store.CheckFileAccess(fileID, callsign)
	if err != nil {
		return nil, err
	}
	if !allowed {
		return nil, fmt.Errorf("Access denied")
	}

	files, err := f.store.ListFiles(callsign, "")
	if err != nil {
		return nil, err
	}
	for i := range files {
		if files[i].ID == fileID {
			return &files[i], nil
		}
	}

	return nil, fmt.Errorf("File not found")
}

// Delete removes a file; only the owner can.
func (f *FileManager) Delete(fileID int64, callsign string) error {
	ok, err := f.store.DeleteFile(fileID, callsign)
	if err != nil {
		return err
	}
	if !ok {
		f.log.Warn("delete refused", "id", fileID, "callsign", callsign)
		return fmt.Errorf("Delete failed (not owner or file not found)")
	}

	f.log.Info("file deleted", "id", fileID, "by", callsign)

	return nil
}

// Share grants sharedWith access to the owner's file.
func (f *FileManager) Share(fileID int64, owner, sharedWith string) error {
	sharedWith = strings.ToUpper(strings.TrimSpace(sharedWith))
	if sharedWith == "" || len(sharedWith) > 10 {
		return fmt.Errorf("Invalid callsign")
	}

	ok, err := f.store.ShareFile(fileID, owner, sharedWith)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("Share failed (not owner or file not found)")
	}

	f.log.Info("file shared", "id", fileID, "from", owner, "to", sharedWith)

	return nil
}

// MakePublic flips the owner's file to public access.
func (f *FileManager) MakePublic(fileID int64, owner string) error {
	record, err := f.store.GetFile(fileID)
	if err != nil {
		return err
	}
	if record == nil {
		return fmt.Errorf("File not found")
	}
	if record.OwnerCallsign != strings.ToUpper(owner) {
		return fmt.Errorf("Not file owner")
	}

	ok, err := f.store.SetFilePublic(fileID, owner)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("Update failed")
	}

	f.log.Info("file set public", "id", fileID, "by", owner)

	return nil
}
