package service

import (
	"errors"
	"fmt"
	"regexp"

	"github.com/zlnvch/pgprelay/models"
)

var usernameRegex = regexp.MustCompile(`^[A-Za-z0-9]{1,15}$`)
var hexColorRegex = regexp.MustCompile(`^#[0-9A-Fa-f]{6}$`)

const (
	defaultColor    = "#000000"
	defaultSize     = 2
	minSize         = 1
	maxSize         = 50
	maxStrokePoints = 5000
)

func ValidateUsername(username string) error {
	if !usernameRegex.MatchString(username) {
		return errors.New("username must be 1-15 letters or digits")
	}
	return nil
}

// ValidateStroke checks a client stroke and fills in the defaults for
// omitted fields. Id and Timestamp are assigned by the server and ignored.
func ValidateStroke(stroke *models.Stroke) error {
	if len(stroke.Points) == 0 {
		return errors.New("stroke has no points")
	}
	if len(stroke.Points) > maxStrokePoints {
		return fmt.Errorf("stroke has more than %d points", maxStrokePoints)
	}

	switch stroke.Tool {
	case "":
		stroke.Tool = models.ToolPen
	case models.ToolPen, models.ToolEraser:
	default:
		return errors.New("invalid tool")
	}

	if stroke.Color == "" {
		stroke.Color = defaultColor
	} else if !hexColorRegex.MatchString(stroke.Color) {
		return errors.New("invalid color")
	}

	if stroke.Size == 0 {
		stroke.Size = defaultSize
	} else if stroke.Size < minSize || stroke.Size > maxSize {
		return errors.New("invalid size")
	}

	return nil
}
