package graph

import "strings"

// DriveResource is the subscription resource watching a whole drive.
func DriveResource(driveID string) string {
	return "/drives/" + driveID + "/root"
}

// DriveIDFromResource extracts the drive id from paths like /drives/{id}/root.
// The leading slash is optional.
func DriveIDFromResource(resource string) (string, bool) {
	parts := strings.Split(strings.Trim(resource, "/"), "/")
	for i := 0; i+1 < len(parts); i++ {
		if strings.EqualFold(parts[i], "drives") && parts[i+1] != "" {
			return parts[i+1], true
		}
	}
	return "", false
}
