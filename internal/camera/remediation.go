package camera

import "github.com/raine/city-vision-capture/internal/device"

// PermissionDeniedMessage is the user-facing text for a denied camera.
func PermissionDeniedMessage(class device.Class) string {
	if class.IOS {
		return "Camera access was denied. On iOS, you need to allow camera access in Settings > Safari > Camera."
	}
	return "Camera access was denied. Please allow camera access in your browser settings and try again."
}

// PermissionHint tells the user where to re-enable access.
func PermissionHint(class device.Class) string {
	if class.IOS {
		return "Settings > Safari > Camera"
	}
	return "browser site settings"
}

// ActivationPrompt is shown while playback waits for a tap.
const ActivationPrompt = "Please tap on the screen to activate the camera."
