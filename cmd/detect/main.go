// Command detect runs a YOLO detection network on an image or a camera stream.
package main

import (
	"context"
	"flag"
	"fmt"
	"image"
	"image/color"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/nvr-ai/go-yolo/images"
	"github.com/nvr-ai/go-yolo/inference"
	"github.com/nvr-ai/go-yolo/inference/providers"
	"github.com/nvr-ai/go-yolo/models"
	"github.com/nvr-ai/go-yolo/models/model"
	"github.com/nvr-ai/go-yolo/util"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"gocv.io/x/gocv"
)

const (
	// DefaultNetworkPath is the network definition used when none is given.
	DefaultNetworkPath = "tinyyolov4.yaml"
	// NoCamera disables the camera loop.
	NoCamera = -1
)

var (
	boxColor  = color.RGBA{0, 0, 255, 0}
	textColor = color.RGBA{0, 255, 0, 0}
)

type options struct {
	engine      string
	networkPath string
	networkName string
	onnxPath    string
	nchw        bool
	provider    string
	labelsPath  string
	imagePath   string
	dirPath     string
	outputPath  string
	cameraID    int
	showWindow  bool
	rescale     string
	threshold   float64
	iou         float64
	maxBoxes    int
	verbose     bool
}

func parseFlags(args []string) (options, error) {
	var o options
	fs := flag.NewFlagSet("detect", flag.ContinueOnError)
	fs.StringVar(&o.engine, "engine", string(inference.EngineNetwork), "Feature source: network or onnx")
	fs.StringVar(&o.networkPath, "network", DefaultNetworkPath, "Path to the network definition (YAML or JSON)")
	fs.StringVar(&o.networkName, "network-name", "", "Known network whose metadata pairs with -onnx-model, instead of -network")
	fs.StringVar(&o.onnxPath, "onnx-model", "", "Path to an exported ONNX backbone (engine=onnx)")
	fs.BoolVar(&o.nchw, "channels-first", true, "The ONNX backbone consumes and produces NCHW tensors; false for NHWC")
	fs.StringVar(&o.provider, "provider", string(providers.CPUProviderBackend), "ONNX Runtime execution provider")
	fs.StringVar(&o.labelsPath, "labels", "", "Path to a YAML list of class names (default COCO)")
	fs.StringVar(&o.imagePath, "image", "", "Path to image file (.jpg, .jpeg, .png, .bmp, .webp)")
	fs.StringVar(&o.dirPath, "dir", "", "Directory of images to process in frame order")
	fs.StringVar(&o.outputPath, "output", "", "Write an annotated copy of the image here (a directory with -dir)")
	fs.IntVar(&o.cameraID, "camera", NoCamera, "Video capture device to read from instead of an image")
	fs.BoolVar(&o.showWindow, "show-window", false, "Show visualization window in camera mode")
	fs.StringVar(&o.rescale, "rescale", string(images.RescaleWarp), "How images are fitted to the input: warp, pad or crop")
	fs.Float64Var(&o.threshold, "threshold", float64(model.IgnoreThreshold), "Minimum class score")
	fs.Float64Var(&o.iou, "iou", float64(model.IoUThreshold), "Suppression overlap threshold")
	fs.IntVar(&o.maxBoxes, "max-boxes", model.MaxBoundingBoxes, "Maximum detections per class")
	fs.BoolVar(&o.verbose, "verbose", false, "Enable debug logging")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}
	return o, nil
}

func main() {
	o, err := parseFlags(os.Args[1:])
	if errors.Is(err, flag.ErrHelp) {
		os.Exit(0)
	}
	if err != nil {
		os.Exit(2)
	}

	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if o.verbose {
		logrus.SetLevel(logrus.DebugLevel)
	}

	if err := run(o); err != nil {
		logrus.WithError(err).Fatal("detection failed")
	}
}

func run(o options) error {
	if o.imagePath == "" && o.dirPath == "" && o.cameraID == NoCamera {
		return errors.New("one of -image, -dir or -camera is required")
	}

	labels := inference.YOLOClasses
	if o.labelsPath != "" {
		var err error
		if labels, err = inference.LoadLabels(o.labelsPath); err != nil {
			return err
		}
	}

	engine, err := buildEngine(o)
	if err != nil {
		return err
	}
	defer engine.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	switch {
	case o.cameraID != NoCamera:
		return runCamera(ctx, engine, labels, o)
	case o.dirPath != "":
		return runDirectory(ctx, engine, labels, o)
	default:
		data, err := os.ReadFile(o.imagePath)
		if err != nil {
			return errors.Wrap(err, "reading image")
		}
		return runImage(ctx, engine, labels, o.rescale, o.imagePath, data, o.outputPath)
	}
}

func buildEngine(o options) (inference.Engine, error) {
	engineType, err := inference.ParseEngineType(o.engine)
	if err != nil {
		return nil, err
	}

	b := inference.NewEngineBuilder().
		WithRescale(images.RescaleType(o.rescale)).
		WithExtras(map[string]interface{}{
			model.ExtraBoundingBoxThreshold: o.threshold,
			model.ExtraIoUThreshold:         o.iou,
			model.ExtraMaxBoundingBoxes:     o.maxBoxes,
		})

	switch engineType {
	case inference.EngineONNX:
		network, err := onnxNetwork(o)
		if err != nil {
			return nil, err
		}
		backend, err := providers.NewOptions(providers.ProviderBackend(o.provider))
		if err != nil {
			return nil, err
		}
		config := providers.DefaultConfig()
		config.Options = backend
		b = b.WithNetwork(network).WithONNX(sessionConfig(o, config))
	default:
		b = b.WithNetworkFile(o.networkPath)
	}

	return b.Build()
}

func sessionConfig(o options, provider providers.Config) inference.SessionConfig {
	return inference.SessionConfig{
		ModelPath:     o.onnxPath,
		ChannelsFirst: o.nchw,
		Provider:      provider,
	}
}

func onnxNetwork(o options) (*model.Network, error) {
	if o.networkName != "" {
		return models.NewNetwork(model.Name(o.networkName))
	}
	return model.LoadMetadata(o.networkPath)
}

func runDirectory(ctx context.Context, engine inference.Engine, labels inference.Labels, o options) error {
	files, err := util.LoadDirectoryImageFiles(o.dirPath)
	if err != nil {
		return err
	}
	if o.outputPath != "" {
		if err := os.MkdirAll(o.outputPath, 0o755); err != nil {
			return errors.Wrap(err, "creating output directory")
		}
	}

	logrus.WithFields(logrus.Fields{"dir": o.dirPath, "images": len(files)}).Info("processing directory")
	for _, f := range files {
		if err := ctx.Err(); err != nil {
			return err
		}
		output := ""
		if o.outputPath != "" {
			output = filepath.Join(o.outputPath, filepath.Base(f.Path))
		}
		if err := runImage(ctx, engine, labels, o.rescale, f.Path, f.Data, output); err != nil {
			return errors.Wrapf(err, "processing %s", f.Path)
		}
	}
	return nil
}

func runImage(
	ctx context.Context,
	engine inference.Engine,
	labels inference.Labels,
	rescale string,
	path string,
	data []byte,
	output string,
) error {
	img, format, err := images.Decode(data)
	if err != nil {
		return err
	}

	start := time.Now()
	set, err := engine.Predict(ctx, img)
	if err != nil {
		return err
	}
	input := engine.Input()
	boxes := inference.Label(set, labels, img.Bounds().Size(), input.Width, input.Height, images.RescaleType(rescale))

	logrus.WithFields(logrus.Fields{
		"image":      path,
		"format":     format,
		"detections": len(boxes),
		"elapsed":    time.Since(start),
	}).Info("processed image")
	for i := range boxes {
		fmt.Println(boxes[i].String())
	}

	if output == "" {
		return nil
	}

	mat, err := gocv.IMDecode(data, gocv.IMReadColor)
	if err != nil {
		return errors.Wrap(err, "decoding image for annotation")
	}
	defer mat.Close()
	if mat.Empty() {
		return errors.Errorf("gocv cannot decode %s images", format)
	}

	draw(&mat, boxes)
	if ok := gocv.IMWrite(output, mat); !ok {
		return errors.Errorf("writing %s", output)
	}
	logrus.WithField("output", output).Info("wrote annotated image")
	return nil
}

func runCamera(ctx context.Context, engine inference.Engine, labels inference.Labels, o options) error {
	webcam, err := gocv.OpenVideoCapture(o.cameraID)
	if err != nil {
		return errors.Wrapf(err, "opening capture device %d", o.cameraID)
	}
	defer webcam.Close()

	var window *gocv.Window
	if o.showWindow {
		window = gocv.NewWindow("Detect")
		defer window.Close()
	}

	frame := gocv.NewMat()
	defer frame.Close()

	// FPS tracking variables
	fps := 0.0
	frameCount := 0
	lastTime := time.Now()
	input := engine.Input()

	logrus.WithField("device", o.cameraID).Info("start reading camera")
	for ctx.Err() == nil {
		if ok := webcam.Read(&frame); !ok {
			return errors.Errorf("cannot read device %d", o.cameraID)
		}
		if frame.Empty() {
			continue
		}

		frameCount++
		if elapsed := time.Since(lastTime).Seconds(); elapsed >= 1.0 {
			fps = float64(frameCount) / elapsed
			frameCount = 0
			lastTime = time.Now()
		}

		img, err := frame.ToImage()
		if err != nil {
			return errors.Wrap(err, "converting frame")
		}
		set, err := engine.Predict(ctx, img)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			return err
		}
		boxes := inference.Label(set, labels, img.Bounds().Size(), input.Width, input.Height, images.RescaleType(o.rescale))
		logrus.WithFields(logrus.Fields{"detections": len(boxes), "fps": fps}).Debug("processed frame")

		if window != nil {
			draw(&frame, boxes)
			gocv.PutText(&frame, fmt.Sprintf("FPS: %.2f", fps), image.Pt(10, 30), gocv.FontHersheyPlain, 1.2, textColor, 2)
			window.IMShow(frame)
			window.WaitKey(1)
		}
	}

	return nil
}

func draw(mat *gocv.Mat, boxes []inference.BoundingBox) {
	for _, b := range boxes {
		rect := b.ToRect()
		gocv.Rectangle(mat, rect, boxColor, 2)
		label := fmt.Sprintf("%s %.2f", b.Label, b.Confidence)
		gocv.PutText(mat, label, image.Pt(rect.Min.X, max(rect.Min.Y-4, 12)), gocv.FontHersheyPlain, 1.2, textColor, 2)
	}
}
