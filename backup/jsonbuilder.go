package backup

import "github.com/tidwall/sjson"

// BuildQueryBlockJSON returns the JSON command to query block device information.
func BuildQueryBlockJSON() string {
	json := `{}`
	json, _ = sjson.Set(json, "execute", "query-block")
	return json
}

// BuildQueryStatusJSON returns the JSON command to query the run state of the VM.
func BuildQueryStatusJSON() string {
	json := `{}`
	json, _ = sjson.Set(json, "execute", "query-status")
	return json
}

// BuildStopJSON returns the JSON command that pauses all vCPUs.
func BuildStopJSON() string {
	json := `{}`
	json, _ = sjson.Set(json, "execute", "stop")
	return json
}

// BuildContJSON returns the JSON command that resumes a paused VM.
func BuildContJSON() string {
	json := `{}`
	json, _ = sjson.Set(json, "execute", "cont")
	return json
}
