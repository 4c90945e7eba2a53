package database_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/touchfish/dailytask/internal/database"
)

func TestExtractDBNameFromPath(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name     string
		path     string
		expected string
	}{
		{name: "plain path", path: "dailytask.db", expected: "dailytask.db"},
		{name: "file scheme", path: "file:dailytask.db", expected: "dailytask.db"},
		{name: "query options", path: "dailytask.db?cache=shared&mode=rwc", expected: "dailytask.db"},
		{name: "escaped path", path: "file:my%20data.db?mode=rwc", expected: "my data.db"},
		{name: "nested path", path: "data/dailytask.db", expected: "data/dailytask.db"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tc.expected, database.ExtractDBNameFromPath(tc.path))
		})
	}
}
