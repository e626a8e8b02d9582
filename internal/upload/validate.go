package upload

import "regexp"

var taskIDPattern = regexp.MustCompile(`^\d{8}$`)

// ValidateRequest applies every pre-network check: mode, file list shape and
// the task id contract. Size checks run separately once file sizes are known.
func ValidateRequest(req Request) error {
	if !req.Mode.Valid() {
		return validationErrorf("unknown upload type %q", string(req.Mode))
	}
	if len(req.Files) == 0 {
		return validationErrorf("no files provided")
	}
	if req.Mode != ModeImages && len(req.Files) != 1 {
		return validationErrorf("upload type %s accepts exactly one file, got %d", req.Mode, len(req.Files))
	}
	if req.Mode.RequiresTaskID() && req.TaskID == "" {
		return validationErrorf("task id required for upload type %s", req.Mode)
	}
	if req.TaskID != "" && !taskIDPattern.MatchString(req.TaskID) {
		return validationErrorf("task id must be 8 digits")
	}
	return nil
}

// ValidateSize enforces the absolute per-upload byte limit. A non-positive
// limit disables the check.
func ValidateSize(totalBytes, limit int64) error {
	if totalBytes <= 0 {
		return validationErrorf("invalid upload size %d bytes", totalBytes)
	}
	if limit > 0 && totalBytes > limit {
		return validationErrorf("upload size %d bytes exceeds the %d byte limit", totalBytes, limit)
	}
	return nil
}
