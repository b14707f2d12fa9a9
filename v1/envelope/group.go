package envelope

import (
	"fmt"
	"strconv"
	"strings"

	warperrors "github.com/HiroyukiNIshimura/pecus-aspire-sub006/v1/errors"
)

// Well known group domains.
const (
	DomainTask      = "task"
	DomainItem      = "item"
	DomainWorkspace = "workspace"
	DomainChat      = "chat"
	DomainUser      = "user"
)

// Group returns the "<domain>:<id>" routing key.
func Group(domain string, id int64) string {
	return domain + ":" + strconv.FormatInt(id, 10)
}

func TaskGroup(id int64) string      { return Group(DomainTask, id) }
func ItemGroup(id int64) string      { return Group(DomainItem, id) }
func WorkspaceGroup(id int64) string { return Group(DomainWorkspace, id) }
func ChatGroup(roomID int64) string  { return Group(DomainChat, roomID) }

// ParseGroup splits a group name into domain and id.
func ParseGroup(group string) (domain, id string, err error) {
	domain, id, ok := strings.Cut(group, ":")
	if !ok || domain == "" || id == "" || strings.ContainsAny(group, " \t\n") {
		return "", "", fmt.Errorf("%w: %q", warperrors.ErrInvalidGroup, group)
	}
	return domain, id, nil
}

// GroupDomain returns the domain of a group, or "" if it is malformed.
func GroupDomain(group string) string {
	d, _, err := ParseGroup(group)
	if err != nil {
		return ""
	}
	return d
}
