package elmer

/*------------------------------------------------------------------
 *
 * Name:	db_files
 *
 * Purpose:	Store operations for the station file area.
 *
 * Description:	File contents live in the database as blobs; at the
 *		quota ceiling of 100 KiB per file and 5 MiB per owner
 *		that is a deliberate simplification, not a scaling
 *		problem.  Access control is three-valued:
 *
 *		  private - owner only.
 *		  public  - anyone.
 *		  shared  - owner plus callsigns with a share row.
 *
 *		Sharing a private file promotes it to shared
 *		automatically.  A public file stays public even if
 *		someone also shares it explicitly.
 *
 *---------------------------------------------------------------*/

import (
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	FILE_ACCESS_PRIVATE = "private"
	FILE_ACCESS_PUBLIC  = "public"
	FILE_ACCESS_SHARED  = "shared"
)

type StoredFile struct {
	ID            int64  `gorm:"primaryKey;autoIncrement"`
	Filename      string `gorm:"not null"`
	FileData      []byte `gorm:"not null"`
	FileSize      int    `gorm:"not null"`
	MimeType      string
	Checksum      string // MD5 hex, computed once at save
	OwnerCallsign string `gorm:"index:idx_files_owner;not null"`
	AccessLevel   string `gorm:"default:private"`
	Description   string
	UploadedAt    time.Time
	DownloadCount int `gorm:"default:0"`
}

func (StoredFile) TableName() string { return "files" }

type FileShare struct {
	ID         int64  `gorm:"primaryKey;autoIncrement"`
	FileID     int64  `gorm:"uniqueIndex:idx_file_shares_file_cs;not null"`
	SharedWith string `gorm:"uniqueIndex:idx_file_shares_file_cs;not null"`
	SharedBy   string `gorm:"not null"`
	SharedAt   time.Time
}

func (FileShare) TableName() string { return "file_shares" }

// SaveFile stores a new file blob and returns its id.
func (s *Store) SaveFile(f *StoredFile) (int64, error) {
	if f.UploadedAt.IsZero() {
		f.UploadedAt = time.Now().UTC()
	}

	if err := s.db.Create(f).Error; err != nil {
		return 0, fmt.Errorf("db: save file: %w", err)
	}

	return f.ID, nil
}

// GetFile fetches a file including its contents.  Nil when absent.
func (s *Store) GetFile(id int64) (*StoredFile, error) {
	var row StoredFile

	var err = s.db.First(&row, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("db: get file %d: %w", id, err)
	}

	return &row, nil
}

// ListFiles returns the metadata (no blob) of every file callsign can
// see: own files, public files, and files shared with them.  An
// accessFilter narrows to one access level.
func (s *Store) ListFiles(callsign, accessFilter string) ([]StoredFile, error) {
	var rows []StoredFile

	var q = s.db.Model(&StoredFile{}).
		Select("id, filename, file_size, mime_type, checksum, owner_callsign, access_level, description, uploaded_at, download_count").
		Where("owner_callsign = ? OR access_level = ? OR id IN (?)",
			callsign, FILE_ACCESS_PUBLIC,
			s.db.Model(&FileShare{}).Select("file_id").Where("shared_with = ?", callsign))

	if accessFilter != "" {
		q = q.Where("access_level = ?", accessFilter)
	}

	if err := q.Order("id").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("db: list files: %w", err)
	}

	return rows, nil
}

// CheckFileAccess decides whether callsign may read file id:
// owner, or public, or shared with an explicit share row.
func (s *Store) CheckFileAccess(id int64, callsign string) (bool, error) {
	var row StoredFile

	var err = s.db.Select("id, owner_callsign, access_level").First(&row, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("db: check access %d: %w", id, err)
	}

	if row.OwnerCallsign == callsign {
		return true, nil
	}

	if row.AccessLevel == FILE_ACCESS_PUBLIC {
		return true, nil
	}

	if row.AccessLevel == FILE_ACCESS_SHARED {
		var n int64

		var err = s.db.Model(&FileShare{}).
			Where("file_id = ? AND shared_with = ?", id, callsign).
			Count(&n).Error
		if err != nil {
			return false, fmt.Errorf("db: check share %d: %w", id, err)
		}

		return n > 0, nil
	}

	return false, nil
}

// ShareFile records a share and promotes a private file to shared.
// Only the owner may share; returns false otherwise.
func (s *Store) ShareFile(id int64, owner, sharedWith string) (bool, error) {
	var row StoredFile

	var err = s.db.Select("id, owner_callsign, access_level").First(&row, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("db: share file %d: %w", id, err)
	}

	if row.OwnerCallsign != owner {
		return false, nil
	}

	var share = FileShare{
		FileID:     id,
		SharedWith: sharedWith,
		SharedBy:   owner,
		SharedAt:   time.Now().UTC(),
	}

	// Re-sharing with the same callsign is a no-op.
	err = s.db.Clauses(clause.OnConflict{DoNothing: true}).Create(&share).Error
	if err != nil {
		return false, fmt.Errorf("db: share file %d: %w", id, err)
	}

	if row.AccessLevel == FILE_ACCESS_PRIVATE {
		err = s.db.Model(&StoredFile{}).Where("id = ?", id).
			Update("access_level", FILE_ACCESS_SHARED).Error
		if err != nil {
			return false, fmt.Errorf("db: promote file %d: %w", id, err)
		}
	}

	return true, nil
}

// SetFilePublic marks an owned file public.
func (s *Store) SetFilePublic(id int64, owner string) (bool, error) {
	var res = s.db.Model(&StoredFile{}).
		Where("id = ? AND owner_callsign = ?", id, owner).
		Update("access_level", FILE_ACCESS_PUBLIC)
	if res.Error != nil {
		return false, fmt.Errorf("db: set public %d: %w", id, res.Error)
	}

	return res.RowsAffected > 0, nil
}

// DeleteFile removes an owned file and its share rows.
func (s *Store) DeleteFile(id int64, owner string) (bool, error) {
	var res = s.db.Where("id = ? AND owner_callsign = ?", id, owner).Delete(&StoredFile{})
	if res.Error != nil {
		return false, fmt.Errorf("db: delete file %d: %w", id, res.Error)
	}

	if res.RowsAffected == 0 {
		return false, nil
	}

	if err := s.db.Where("file_id = ?", id).Delete(&FileShare{}).Error; err != nil {
		return false, fmt.Errorf("db: delete shares %d: %w", id, err)
	}

	return true, nil
}

// IncrementDownloadCount bumps the counter after a verified download.
func (s *Store) IncrementDownloadCount(id int64) error {
	var err = s.db.Model(&StoredFile{}).Where("id = ?", id).
		UpdateColumn("download_count", gorm.Expr("download_count + 1")).Error
	if err != nil {
		return fmt.Errorf("db: bump downloads %d: %w", id, err)
	}

	return nil
}

// GetFileCount counts files owned by callsign (quota check).
func (s *Store) GetFileCount(callsign string) (int64, error) {
	var n int64

	var err = s.db.Model(&StoredFile{}).
		Where("owner_callsign = ?", callsign).Count(&n).Error
	if err != nil {
		return 0, fmt.Errorf("db: file count: %w", err)
	}

	return n, nil
}

// GetTotalFileSize sums the bytes owned by callsign (quota check).
func (s *Store) GetTotalFileSize(callsign string) (int64, error) {
	var total *int64

	var err = s.db.Model(&StoredFile{}).
		Select("SUM(file_size)").
		Where("owner_callsign = ?", callsign).
		Scan(&total).Error
	if err != nil {
		return 0, fmt.Errorf("db: total file size: %w", err)
	}

	if total == nil {
		return 0, nil
	}

	return *total, nil
}
