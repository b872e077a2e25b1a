package epd

import "errors"

// Errors returned by the packer and the driver. They are always wrapped with
// context; test for them with errors.Is.
var (
	// ErrTimeout means the busy line never released within the bound. The
	// panel or its wiring is faulty; dispose the driver.
	ErrTimeout = errors.New("epd: busy timeout")

	// ErrPaletteMiss means a pixel color has no exact palette entry. The
	// image must be quantized against Palette.Colors() first.
	ErrPaletteMiss = errors.New("epd: color not in panel palette")

	// ErrInvalidRegion means a partial-refresh rectangle is empty, outside
	// the panel, or not aligned to the controller's column addressing.
	ErrInvalidRegion = errors.New("epd: invalid region")

	// ErrUnsupportedMode means the profile cannot drive the requested mode.
	ErrUnsupportedMode = errors.New("epd: unsupported mode")

	// ErrState means the operation is not legal in the driver's current state.
	ErrState = errors.New("epd: invalid driver state")

	// ErrFrame means a frame's geometry does not match the profile or region.
	ErrFrame = errors.New("epd: frame does not match panel")
)
