package pipeline

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSanitizeTitleReplacesForbiddenCharacters(t *testing.T) {
	require.Equal(t, "a_b_c_d_e_f_g_h_i", SanitizeTitle(`a/b\c:d*e?f"g<h>i`))
}

func TestSanitizeTitleTrimsTrailingDotsAndSpaces(t *testing.T) {
	require.Equal(t, "clip", SanitizeTitle("clip.. "))
}

func TestSanitizeTitleEmptyBecomesUntitled(t *testing.T) {
	require.Equal(t, "untitled", SanitizeTitle("   "))
}

func TestSanitizeTitleReservedWindowsNameGetsSuffixed(t *testing.T) {
	require.Equal(t, "CON_", SanitizeTitle("CON"))
	require.Equal(t, "com1_", SanitizeTitle("com1"))
}

func TestSanitizeTitleTruncatesLongTitleWithoutSplittingRunes(t *testing.T) {
	title := strings.Repeat("日", 300)
	got := SanitizeTitle(title)
	require.LessOrEqual(t, len(got), maxSanitizedTitleBytes)
	require.True(t, strings.ToValidUTF8(got, "") == got)
}

func TestSanitizeTitleControlCharactersBecomeUnderscore(t *testing.T) {
	require.Equal(t, "a_b", SanitizeTitle("a\tb"))
}
