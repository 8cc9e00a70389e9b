package imagesource

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/driver"
	mediadevicescamera "github.com/pion/mediadevices/pkg/driver/camera"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/io/video"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/chriskillpack/captioner/imagebuf"
)

// DeviceError reports that a camera was unavailable or a frame could not be
// read from it.
type DeviceError struct {
	Index int
	Err   error
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("camera %d: %s", e.Index, e.Err)
}

func (e *DeviceError) Unwrap() error { return e.Err }

// Opener opens the camera at index and returns a frame reader plus a function
// that releases the device.
type Opener func(ctx context.Context, index int) (video.Reader, func() error, error)

// Camera grabs single frames from a video device. The device is opened and
// released inside every Capture call and never held between calls.
type Camera struct {
	Index int

	open   Opener
	logger *zap.SugaredLogger
}

// NewCamera returns a Camera for the given device index (0 is the default
// camera) backed by the system's video drivers.
func NewCamera(index int, logger *zap.SugaredLogger) *Camera {
	return NewCameraWithOpener(index, OpenMediaDevice, logger)
}

// NewCameraWithOpener returns a Camera that opens devices with open.
func NewCameraWithOpener(index int, open Opener, logger *zap.SugaredLogger) *Camera {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Camera{Index: index, open: open, logger: logger}
}

// Capture opens the device, reads exactly one frame, releases the device and
// returns the frame as RGB.
func (c *Camera) Capture(ctx context.Context) (*imagebuf.Buffer, error) {
	reader, closeDevice, err := c.open(ctx, c.Index)
	if err != nil {
		return nil, &DeviceError{Index: c.Index, Err: errors.Wrap(err, "could not open webcam")}
	}

	buf, readErr := readFrame(reader)
	closeErr := closeDevice()
	if readErr != nil {
		return nil, &DeviceError{Index: c.Index, Err: multierr.Combine(errors.Wrap(readErr, "could not capture image"), closeErr)}
	}
	if closeErr != nil {
		c.logger.Warnw("failed to release camera", "index", c.Index, "error", closeErr)
	}

	return buf, nil
}

// readFrame copies a frame out of the driver's buffer before releasing it.
func readFrame(reader video.Reader) (*imagebuf.Buffer, error) {
	img, release, err := reader.Read()
	if release != nil {
		defer release()
	}
	if err != nil {
		return nil, err
	}
	if img == nil {
		return nil, errors.New("empty frame")
	}
	return imagebuf.FromImage(img), nil
}

// sortCameras orders drivers so an index names the same device on every
// call: system default first, then by kernel device name (video0, video1,
// ..., video10).
func sortCameras(drivers []driver.Driver) {
	node := func(d driver.Driver) string {
		label := d.Info().Label
		return label[strings.LastIndex(label, mediadevicescamera.LabelSeparator)+1:]
	}
	slices.SortStableFunc(drivers, func(a, b driver.Driver) int {
		if c := cmp.Compare(b.Info().Priority, a.Info().Priority); c != 0 {
			return c
		}
		na, nb := node(a), node(b)
		if c := cmp.Compare(len(na), len(nb)); c != 0 {
			return c
		}
		if c := strings.Compare(na, nb); c != 0 {
			return c
		}
		return strings.Compare(a.ID(), b.ID())
	})
}

// OpenMediaDevice opens the index'th video recorder known to the mediadevices
// driver manager, in sortCameras order. Index 0 is the default camera.
func OpenMediaDevice(ctx context.Context, index int) (video.Reader, func() error, error) {
	mediadevicescamera.Initialize()

	// Query walks a map, the order is random
	drivers := driver.GetManager().Query(driver.FilterVideoRecorder())
	sortCameras(drivers)
	if index < 0 || index >= len(drivers) {
		return nil, nil, errors.Errorf("no camera at index %d (%d found)", index, len(drivers))
	}
	d := drivers[index]

	stream, err := mediadevices.GetUserMedia(mediadevices.MediaStreamConstraints{
		Video: func(constraint *mediadevices.MediaTrackConstraints) {
			constraint.DeviceID = prop.StringExact(d.ID())
			constraint.Width = prop.IntRanged{Min: 0, Ideal: 640, Max: 4096}
			constraint.Height = prop.IntRanged{Min: 0, Ideal: 480, Max: 2160}
			constraint.FrameFormat = prop.FrameFormatOneOf{
				frame.FormatI420,
				frame.FormatYUY2,
				frame.FormatUYVY,
				frame.FormatRGBA,
				frame.FormatMJPEG,
				frame.FormatNV12,
				frame.FormatNV21,
			}
		},
	})
	if err != nil {
		return nil, nil, errors.Wrapf(err, "opening %s", d.Info().Label)
	}

	tracks := stream.GetVideoTracks()
	if len(tracks) == 0 {
		return nil, nil, errors.New("camera returned no video tracks")
	}
	closeAll := func() error {
		var errs error
		for _, t := range tracks {
			errs = multierr.Append(errs, t.Close())
		}
		return errs
	}
	track, ok := tracks[0].(*mediadevices.VideoTrack)
	if !ok {
		return nil, nil, multierr.Append(errors.Errorf("unexpected track type %T", tracks[0]), closeAll())
	}

	return track.NewReader(false), closeAll, nil
}
