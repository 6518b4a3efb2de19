package crawler

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPageURL_Deterministic(t *testing.T) {
	t.Parallel()

	url, err := PageURL("https://example.test/titles?locale=pt-BR", 7, 1000)
	require.NoError(t, err)
	require.Equal(t, "https://example.test/titles?first=1000&locale=pt-BR&page=7", url)

	again, err := PageURL("https://example.test/titles?locale=pt-BR", 7, 1000)
	require.NoError(t, err)
	require.Equal(t, url, again)
}

func TestPageURL_RejectsInvalidPage(t *testing.T) {
	t.Parallel()

	_, err := PageURL("https://example.test/titles", 0, 1000)
	require.Error(t, err)
}
