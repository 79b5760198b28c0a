package apperr

var kindNames = map[Kind]string{
	KindUnknown:             "unknown",
	KindBadCredentials:      "bad_credentials",
	KindForbidden:           "forbidden",
	KindNotFound:            "not_found",
	KindConflict:            "conflict",
	KindValidation:          "validation",
	KindRateLimited:         "rate_limited",
	KindUpstreamUnavailable: "upstream_unavailable",
	KindTimeout:             "timeout",
	KindCancelled:           "cancelled",
	KindToolMissing:         "tool_missing",
	KindSvnAuth:             "svn_auth",
	KindSvnLayout:           "svn_layout",
	KindSvnUnavailable:      "svn_unavailable",
	KindMigrationMismatch:   "migration_mismatch",
	KindDeadline:            "deadline",
	KindInternal:            "internal",
}

// String returns the wire-stable lowercase name for k.
func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "unknown"
}
