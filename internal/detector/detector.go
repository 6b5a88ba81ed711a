// Package detector owns the neural model state: the audio classifier, the
// optional metadata model used for region-aware filtering, and the species
// labels. A Detector is a plain value constructed from settings; nothing in
// this package is global.
package detector

import (
	"log/slog"
	"os"
	"runtime"
	"sync"

	"github.com/klauspost/cpuid/v2"
	tflite "github.com/tphakala/go-tflite"
	"github.com/tphakala/go-tflite/delegates/xnnpack"

	"github.com/avibox/avibox/internal/conf"
	"github.com/avibox/avibox/internal/errors"
	"github.com/avibox/avibox/internal/logging"
)

// maxInterpreterThreads caps inference threads regardless of core count;
// beyond this the model is memory-bandwidth bound on the target hardware.
const maxInterpreterThreads = 8

// WindowSeconds is the model's fixed input window length.
const WindowSeconds = 3.0

var log *slog.Logger

func getLogger() *slog.Logger {
	if log == nil {
		log = logging.ForService("detector")
		if log == nil {
			log = slog.Default().With("service", "detector")
		}
	}
	return log
}

// Detector wraps the TensorFlow Lite interpreters and label set for one
// model configuration.
type Detector struct {
	settings *conf.Settings

	audioInterpreter *tflite.Interpreter
	metaInterpreter  *tflite.Interpreter
	labels           []string

	// The interpreter is not reentrant; Predict serialises on mu.
	mu sync.Mutex

	// Region filter cache, valid for one (lat, lon, week) triple at a time.
	rangeMu    sync.RWMutex
	rangeKey   rangeKey
	rangeValid bool
	rangeCache map[string]float64
}

// New loads the audio model, the optional metadata model, and the labels
// file, and allocates interpreter tensors.
func New(settings *conf.Settings) (*Detector, error) {
	d := &Detector{settings: settings}

	if err := d.initAudioModel(); err != nil {
		return nil, err
	}
	if err := d.initMetaModel(); err != nil {
		return nil, err
	}

	labels, err := LoadLabels(settings.Model.LabelsPath)
	if err != nil {
		return nil, err
	}
	d.labels = labels

	if err := d.validateOutputArity(); err != nil {
		return nil, err
	}

	return d, nil
}

// Labels returns the loaded label set in model output order.
func (d *Detector) Labels() []string {
	return d.labels
}

// HasMetaModel reports whether region-aware filtering is available.
func (d *Detector) HasMetaModel() bool {
	return d.metaInterpreter != nil
}

func (d *Detector) initAudioModel() error {
	modelData, err := os.ReadFile(d.settings.Model.ModelPath)
	if err != nil {
		return errors.New(err).
			Component("detector").
			Category(errors.CategoryModelInit).
			Context("model_path", d.settings.Model.ModelPath).
			Build()
	}

	model := tflite.NewModel(modelData)
	if model == nil {
		return errors.Newf("cannot load model from %s", d.settings.Model.ModelPath).
			Component("detector").
			Category(errors.CategoryModelInit).
			Context("model_size_mb", len(modelData)/1024/1024).
			Build()
	}

	threads := interpreterThreadCount()
	options := tflite.NewInterpreterOptions()

	// XNNPACK accelerates the convolution stack substantially on ARM; fall
	// back to the plain CPU path when the delegate is unavailable.
	delegate := xnnpack.New(xnnpack.DelegateOptions{NumThreads: int32(max(1, threads-1))})
	if delegate == nil {
		getLogger().Warn("XNNPACK delegate unavailable, using default CPU path")
		options.SetNumThread(threads)
	} else {
		options.AddDelegate(delegate)
		options.SetNumThread(1)
	}

	options.SetErrorReporter(func(msg string, userData any) {
		getLogger().Error("tflite error", "message", msg)
	}, nil)

	d.audioInterpreter = tflite.NewInterpreter(model, options)
	if d.audioInterpreter == nil {
		return errors.Newf("cannot create interpreter").
			Component("detector").
			Category(errors.CategoryModelInit).
			Build()
	}
	if status := d.audioInterpreter.AllocateTensors(); status != tflite.OK {
		return errors.Newf("tensor allocation failed: %v", status).
			Component("detector").
			Category(errors.CategoryModelInit).
			Build()
	}

	// TFLite holds its own copy of the model data.
	runtime.GC()

	getLogger().Info("audio model initialized",
		"model_path", d.settings.Model.ModelPath,
		"threads", threads,
		"xnnpack", delegate != nil)
	return nil
}

// initMetaModel loads the metadata model when configured. Absence is not an
// error: region filtering is optional.
func (d *Detector) initMetaModel() error {
	path := d.settings.Model.MetadataModelPath
	if path == "" {
		getLogger().Info("no metadata model configured, region filter disabled")
		return nil
	}

	modelData, err := os.ReadFile(path)
	if err != nil {
		return errors.New(err).
			Component("detector").
			Category(errors.CategoryModelInit).
			Context("metadata_model_path", path).
			Build()
	}

	model := tflite.NewModel(modelData)
	if model == nil {
		return errors.Newf("cannot load metadata model from %s", path).
			Component("detector").
			Category(errors.CategoryModelInit).
			Build()
	}

	// The metadata model is tiny; one thread is plenty.
	options := tflite.NewInterpreterOptions()
	options.SetNumThread(1)
	options.SetErrorReporter(func(msg string, userData any) {
		getLogger().Error("tflite metadata model error", "message", msg)
	}, nil)

	d.metaInterpreter = tflite.NewInterpreter(model, options)
	if d.metaInterpreter == nil {
		return errors.Newf("cannot create metadata model interpreter").
			Component("detector").
			Category(errors.CategoryModelInit).
			Build()
	}
	if status := d.metaInterpreter.AllocateTensors(); status != tflite.OK {
		return errors.Newf("metadata model tensor allocation failed: %v", status).
			Component("detector").
			Category(errors.CategoryModelInit).
			Build()
	}

	runtime.GC()

	getLogger().Info("metadata model initialized", "metadata_model_path", path)
	return nil
}

// validateOutputArity confirms the label count matches the model output so
// pairing cannot silently misattribute species.
func (d *Detector) validateOutputArity() error {
	output := d.audioInterpreter.GetOutputTensor(0)
	if output == nil {
		return errors.Newf("cannot get output tensor").
			Component("detector").
			Category(errors.CategoryModelInit).
			Build()
	}
	outputSize := output.Dim(output.NumDims() - 1)
	if outputSize != len(d.labels) {
		return errors.Newf("label count %d does not match model output size %d", len(d.labels), outputSize).
			Component("detector").
			Category(errors.CategoryModelInit).
			Context("labels_path", d.settings.Model.LabelsPath).
			Build()
	}
	return nil
}

// Close releases both interpreters.
func (d *Detector) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.audioInterpreter != nil {
		d.audioInterpreter.Delete()
		d.audioInterpreter = nil
	}
	if d.metaInterpreter != nil {
		d.metaInterpreter.Delete()
		d.metaInterpreter = nil
	}
}

// interpreterThreadCount picks physical cores, capped, falling back to the
// logical count when the CPU cannot be identified.
func interpreterThreadCount() int {
	cores := cpuid.CPU.PhysicalCores
	if cores <= 0 {
		cores = runtime.NumCPU()
	}
	if cores > maxInterpreterThreads {
		cores = maxInterpreterThreads
	}
	return max(1, cores)
}
