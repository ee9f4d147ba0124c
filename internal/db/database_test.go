package db

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"webforge/pkg/models"
)

func openTestDB(t *testing.T) *Database {
	t.Helper()
	d, err := Open(Options{DataDir: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })
	return d
}

func TestOpenCreatesSQLiteFile(t *testing.T) {
	dir := t.TempDir()
	d, err := Open(Options{DataDir: dir})
	require.NoError(t, err)
	defer d.Close()

	_, err = os.Stat(filepath.Join(dir, "webforge.db"))
	assert.NoError(t, err)
	assert.NoError(t, d.Health(context.Background()))
}

func TestUpsertProjectCreatesRow(t *testing.T) {
	d := openTestDB(t)
	now := time.Now().UTC()

	require.NoError(t, d.UpsertProject(&models.Project{
		Name:            "cafe",
		Title:           "Cozy Cafe",
		SiteType:        "landing",
		Strategy:        "react-sections",
		FileCount:       9,
		LastBuildStatus: models.StageDone,
		LastBuiltAt:     &now,
	}))

	var got models.Project
	require.NoError(t, d.DB.Where("name = ?", "cafe").First(&got).Error)
	assert.Equal(t, "Cozy Cafe", got.Title)
	assert.Equal(t, "landing", got.SiteType)
	assert.Equal(t, 9, got.FileCount)
}

func TestUpsertProjectKeepsBuildMetadataOnPartialUpdate(t *testing.T) {
	d := openTestDB(t)
	built := time.Now().UTC()

	require.NoError(t, d.UpsertProject(&models.Project{
		Name:            "cafe",
		Title:           "Cozy Cafe",
		SiteType:        "landing",
		Strategy:        "react-sections",
		FileCount:       9,
		LastBuildStatus: models.StageDone,
		LastBuiltAt:     &built,
	}))

	// An update run knows the outcome and file count but not the site
	// metadata captured at build time.
	later := built.Add(time.Minute)
	require.NoError(t, d.UpsertProject(&models.Project{
		Name:            "cafe",
		FileCount:       11,
		LastBuildStatus: models.StageFailed,
		LastBuiltAt:     &later,
	}))

	var got models.Project
	require.NoError(t, d.DB.Where("name = ?", "cafe").First(&got).Error)
	assert.Equal(t, models.StageFailed, got.LastBuildStatus)
	assert.Equal(t, 11, got.FileCount)
	assert.Equal(t, "Cozy Cafe", got.Title)
	assert.Equal(t, "landing", got.SiteType)
	assert.Equal(t, "react-sections", got.Strategy)

	var count int64
	require.NoError(t, d.DB.Model(&models.Project{}).Count(&count).Error)
	assert.EqualValues(t, 1, count)
}

func TestSaveRunCreateThenUpdate(t *testing.T) {
	d := openTestDB(t)
	run := &models.PipelineRun{
		RunID:     "run-1",
		SessionID: "s1",
		Kind:      models.RunKindBuild,
		Prompt:    "a cafe",
		Stage:     models.StageReceived,
		StartedAt: time.Now().UTC(),
	}
	require.NoError(t, d.SaveRun(run))

	finished := time.Now().UTC()
	run.Stage = models.StageDone
	run.ProjectName = "cafe"
	run.ServingURL = "http://localhost:5173"
	run.FinishedAt = &finished
	run.PromptTokens = 120
	require.NoError(t, d.SaveRun(run))

	got, err := d.GetRun("run-1")
	require.NoError(t, err)
	assert.Equal(t, models.StageDone, got.Stage)
	assert.Equal(t, "cafe", got.ProjectName)
	assert.Equal(t, 120, got.PromptTokens)
	require.NotNil(t, got.FinishedAt)

	var count int64
	require.NoError(t, d.DB.Model(&models.PipelineRun{}).Count(&count).Error)
	assert.EqualValues(t, 1, count)
}

func TestGetRunUnknown(t *testing.T) {
	d := openTestDB(t)
	_, err := d.GetRun("nope")
	assert.ErrorIs(t, err, gorm.ErrRecordNotFound)
}

func TestRunsForSessionNewestFirstWithLimit(t *testing.T) {
	d := openTestDB(t)
	base := time.Now().UTC().Add(-time.Hour)
	for i, id := range []string{"a", "b", "c"} {
		require.NoError(t, d.SaveRun(&models.PipelineRun{
			RunID:     id,
			SessionID: "s1",
			Kind:      models.RunKindBuild,
			Stage:     models.StageDone,
			StartedAt: base.Add(time.Duration(i) * time.Minute),
		}))
	}
	require.NoError(t, d.SaveRun(&models.PipelineRun{
		RunID:     "other",
		SessionID: "s2",
		Kind:      models.RunKindBuild,
		Stage:     models.StageDone,
		StartedAt: base,
	}))

	runs, err := d.RunsForSession("s1", 2)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "c", runs[0].RunID)
	assert.Equal(t, "b", runs[1].RunID)
}

func TestTransactionRollsBack(t *testing.T) {
	d := openTestDB(t)
	boom := errors.New("boom")

	err := d.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&models.Project{Name: "ghost"}).Error; err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	var count int64
	require.NoError(t, d.DB.Model(&models.Project{}).Count(&count).Error)
	assert.EqualValues(t, 0, count)
}
