package rundb

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cyclopcam/dbh"
	"github.com/cyclopcam/logs"
	"gorm.io/gorm"
)

// RunDB keeps the history of inference runs, so that a user can see which
// directories have already been processed, and with which model.
type RunDB struct {
	Log logs.Log
	DB  *gorm.DB
}

// BaseModel is our base class for a GORM model.
// The default GORM Model uses int, but we prefer int64
type BaseModel struct {
	ID int64 `gorm:"primaryKey" json:"id"`
}

// SYNC-RECORD-RUN
type Run struct {
	BaseModel
	Directory     string      `json:"directory"`                         // Directory of images that was processed
	MetadataPath  string      `json:"metadataPath"`                      // Where the metadata was written
	Backend       string      `json:"backend"`                           // Detector architecture, eg "yolo" or "gemini"
	Model         string      `json:"model"`                             // eg yolo11m
	StartedAt     dbh.IntTime `json:"startedAt"`                         // When detection began
	FinishedAt    dbh.IntTime `json:"finishedAt"`                        // When the metadata was saved
	NumImages     int         `json:"numImages"`                         // Images found in the directory
	NumFailed     int         `json:"numFailed"`                         // Images that could not be processed
	UniqueClasses string      `json:"uniqueClasses" gorm:"default:null"` // Comma separated
}

func (Run) TableName() string {
	return "run"
}

func (r *Run) Duration() time.Duration {
	return r.FinishedAt.Get().Sub(r.StartedAt.Get())
}

func (r *Run) Classes() []string {
	if r.UniqueClasses == "" {
		return []string{}
	}
	return strings.Split(r.UniqueClasses, ",")
}

func Open(log logs.Log, dbFilename string) (*RunDB, error) {
	os.MkdirAll(filepath.Dir(dbFilename), 0770)
	db, err := dbh.OpenDB(log, dbh.MakeSqliteConfig(dbFilename), Migrations(log), 0)
	if err != nil {
		return nil, fmt.Errorf("Failed to open database %v: %w", dbFilename, err)
	}
	return &RunDB{
		Log: log,
		DB:  db,
	}, nil
}

func (r *RunDB) Close() {
	if sqlDB, err := r.DB.DB(); err == nil {
		sqlDB.Close()
	}
}

// Record adds a finished run to the history, and populates run.ID
func (r *RunDB) Record(run *Run) error {
	if run.Directory == "" {
		return fmt.Errorf("Run has no directory")
	}
	return r.DB.Create(run).Error
}

// List returns the most recent runs first. If limit is zero or negative, all runs are returned.
func (r *RunDB) List(limit int) ([]Run, error) {
	runs := []Run{}
	q := r.DB.Order("started_at DESC, id DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&runs).Error; err != nil {
		return nil, err
	}
	return runs, nil
}

// LatestFor returns the most recent run on the given directory, or nil if there is none
func (r *RunDB) LatestFor(directory string) (*Run, error) {
	runs := []Run{}
	if err := r.DB.Where("directory = ?", directory).Order("started_at DESC, id DESC").Limit(1).Find(&runs).Error; err != nil {
		return nil, err
	}
	if len(runs) == 0 {
		return nil, nil
	}
	return &runs[0], nil
}
