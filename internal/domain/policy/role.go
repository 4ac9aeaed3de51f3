package policy

import (
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// Role is the canonical actor kind. The zero value carries no privileges.
type Role string

const (
	RoleNone    Role = ""
	RoleAdmin   Role = "admin"
	RoleDoctor  Role = "doctor"
	RoleNurse   Role = "nurse"
	RoleLabTech Role = "lab-tech"
)

// Roles lists the known roles in display order.
var Roles = []Role{RoleAdmin, RoleDoctor, RoleNurse, RoleLabTech}

func (r Role) String() string {
	if r == RoleNone {
		return "none"
	}
	return string(r)
}

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleAdmin, RoleDoctor, RoleNurse, RoleLabTech:
		return true
	}
	return false
}

// legacyRoleLabels lists the role labels (English and Thai) seen in
// identity data. Lookup is exact after canonicalLabel; anything not listed
// resolves to RoleNone.
var legacyRoleLabels = map[Role][]string{
	RoleAdmin:  {"admin", "administrator", "system-admin", "ผู้ดูแลระบบ", "แอดมิน"},
	RoleDoctor: {"doctor", "physician", "dr", "md", "แพทย์", "หมอ"},
	RoleNurse:  {"nurse", "rn", "registered-nurse", "พยาบาล"},
	RoleLabTech: {
		"lab-tech", "labtech", "lab", "lab-technician", "medical-technologist", "medtech",
		"นักเทคนิคการแพทย์", "เจ้าหน้าที่แล็บ", "เจ้าหน้าที่ห้องปฏิบัติการ",
	},
}

var roleAliases = make(map[string]Role)

func init() {
	for role, labels := range legacyRoleLabels {
		for _, label := range labels {
			roleAliases[canonicalLabel(label)] = role
		}
	}
}

// canonicalLabel normalizes a raw label so that "Lab Tech", "lab_tech" and
// "LAB-TECH" compare equal. Thai labels are NFC-normalized so composed and
// decomposed vowel marks match.
func canonicalLabel(raw string) string {
	s := norm.NFC.String(raw)
	s = cases.Fold().String(strings.TrimSpace(s))
	s = strings.ReplaceAll(s, "_", " ")
	s = strings.ReplaceAll(s, ".", " ")
	return strings.Join(strings.Fields(s), "-")
}

// NormalizeRole resolves a raw role string from the identity provider to a
// canonical Role. Bilingual labels of the form "Doctor/แพทย์" or
// "แพทย์ (Doctor)" are accepted only when every part names the same role.
// Unknown input yields RoleNone.
func NormalizeRole(raw string) Role {
	if role, ok := roleAliases[canonicalLabel(raw)]; ok {
		return role
	}

	parts := splitBilingual(raw)
	if len(parts) < 2 {
		return RoleNone
	}
	resolved := RoleNone
	for _, p := range parts {
		role, ok := roleAliases[canonicalLabel(p)]
		if !ok {
			return RoleNone
		}
		if resolved != RoleNone && role != resolved {
			return RoleNone
		}
		resolved = role
	}
	return resolved
}

func splitBilingual(raw string) []string {
	raw = strings.NewReplacer("(", "/", ")", "/").Replace(raw)
	var parts []string
	for _, p := range strings.Split(raw, "/") {
		if strings.TrimSpace(p) != "" {
			parts = append(parts, p)
		}
	}
	return parts
}

// Impersonation carries a per-request request to act as another role. It is
// populated from the request (never from process or session state) and is
// honored only for administrators.
type Impersonation struct {
	Role string
}

// ResolveRole normalizes the caller's own role and applies imp when the
// caller is an administrator and imp names a known role.
func ResolveRole(raw string, imp Impersonation) Role {
	own := NormalizeRole(raw)
	if own != RoleAdmin || strings.TrimSpace(imp.Role) == "" {
		return own
	}
	if target := NormalizeRole(imp.Role); target != RoleNone {
		return target
	}
	return own
}
