package folder

import (
	"slices"
	"strconv"
	"strings"

	"golang.org/x/text/cases"

	"github.com/vdavid/vmail/mailcore/internal/models"
)

// systemOrder is the fixed position of system folders. Everything else
// sorts after them by name.
var systemOrder = map[models.FolderType]int{
	models.FolderInbox:   0,
	models.FolderSent:    1,
	models.FolderDrafts:  2,
	models.FolderTrash:   3,
	models.FolderSpam:    4,
	models.FolderArchive: 5,
}

// UnreadDisplayLimit is the highest unread count shown as a number.
const UnreadDisplayLimit = 99

func rank(t models.FolderType) int {
	if r, ok := systemOrder[t]; ok {
		return r
	}
	return len(systemOrder)
}

// Sort orders folders in place: system folders first in their fixed order,
// then the rest by case-insensitive display name.
func Sort(folders []models.EmailFolder) {
	// A Caser keeps state and must not be shared between goroutines.
	fold := cases.Fold()
	slices.SortStableFunc(folders, func(a, b models.EmailFolder) int {
		if ra, rb := rank(a.Type), rank(b.Type); ra != rb {
			return ra - rb
		}
		if c := strings.Compare(fold.String(a.DisplayName), fold.String(b.DisplayName)); c != 0 {
			return c
		}
		if c := strings.Compare(a.DisplayName, b.DisplayName); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
}

// UnreadLabel renders an unread count for display. Counts above
// UnreadDisplayLimit show as "99+"; the count itself is never truncated.
func UnreadLabel(count int) string {
	if count > UnreadDisplayLimit {
		return strconv.Itoa(UnreadDisplayLimit) + "+"
	}
	return strconv.Itoa(max(count, 0))
}
