package main

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/noah-isme/lesson-sync-api/internal/models"
)

func TestParseKinds(t *testing.T) {
	assert.Nil(t, parseKinds(""))
	assert.Equal(t, []models.IssueKind{models.IssueOrphanReference, models.IssueMissingMirror},
		parseKinds(" orphan_reference, ,MISSING_MIRROR"))
}

func TestAuthorityOverride(t *testing.T) {
	assert.Nil(t, authorityOverride(options{}))

	got := authorityOverride(options{schedule: "Student"})
	assert.Equal(t, &models.Authority{Schedule: models.SideStudent}, got)
}
