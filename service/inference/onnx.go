package inference

import (
	"context"
	"fmt"
	"image"
	"log/slog"
	"os"
	"path/filepath"

	"gocv.io/x/gocv"

	"github.com/khaledhikmat/vs-infer/model"
	"github.com/khaledhikmat/vs-infer/render"
	"github.com/khaledhikmat/vs-infer/service/config"
	"github.com/khaledhikmat/vs-infer/service/lgr"
)

// torchvision normalization, in RGB order
var (
	onnxMean = [3]float32{0.485, 0.456, 0.406}
	onnxStd  = [3]float32{0.229, 0.224, 0.225}
)

type onnxService struct {
	path   string
	params config.OnnxParameters
	shape  Shape
	net    gocv.Net
	info   Info
}

// NewOnnx loads a segmentation model with the OpenCV dnn module. The model takes a
// 1x3xHxW normalized RGB blob and returns 1xCxHxW class scores.
func NewOnnx(path string, params config.OnnxParameters) (IService, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("no onnx model at %s: %w: %w", path, model.ErrConfiguration, err)
	}

	shape := Shape{
		InputWidth:  params.InputWidth,
		InputHeight: params.InputHeight,
		Classes:     params.Classes,
		Normalized:  params.Normalized,
	}
	if err := shape.Validate(); err != nil {
		return nil, err
	}

	net := gocv.ReadNetFromONNX(path)
	if net.Empty() {
		return nil, fmt.Errorf("error reading onnx model %s: %w", path, model.ErrConfiguration)
	}
	if err := net.SetPreferableBackend(gocv.NetBackendDefault); err != nil {
		net.Close()
		return nil, fmt.Errorf("error setting backend: %w", err)
	}
	if err := net.SetPreferableTarget(gocv.NetTargetCPU); err != nil {
		net.Close()
		return nil, fmt.Errorf("error setting target: %w", err)
	}

	svc := &onnxService{
		path:   path,
		params: params,
		shape:  shape,
		net:    net,
	}
	svc.info = Info{
		Name:    svc.Name(),
		Path:    path,
		Backend: "opencv-dnn " + gocv.OpenCVVersion(),
		Layers:  len(net.GetLayerNames()),
		Shape:   shape,
	}
	for _, id := range net.GetUnconnectedOutLayers() {
		layer := net.GetLayer(id)
		svc.info.OutputNames = append(svc.info.OutputNames, layer.GetName())
		layer.Close()
	}

	lgr.Logger.Info(
		"onnx model loaded",
		slog.String("path", path),
		slog.Int("layers", svc.info.Layers),
		slog.Any("outputs", svc.info.OutputNames),
		slog.Any("shape", shape),
	)
	return svc, nil
}

func (svc *onnxService) Name() string {
	return filepath.Base(svc.path)
}

func (svc *onnxService) Shape() Shape {
	return svc.shape
}

func (svc *onnxService) Info() Info {
	return svc.info
}

func (svc *onnxService) Infer(ctx context.Context, frame model.Frame) (model.Tensor, error) {
	if err := ctx.Err(); err != nil {
		return model.Tensor{}, err
	}
	if frame.Empty() {
		return model.Tensor{}, fmt.Errorf("empty frame %d: %w", frame.ID, model.ErrInferenceFailure)
	}

	if svc.shape.InputWidth > 0 {
		resized, err := render.Resize(frame, svc.shape.InputWidth, svc.shape.InputHeight, render.BiLinear)
		if err != nil {
			return model.Tensor{}, fmt.Errorf("resizing frame %d: %w: %w", frame.ID, model.ErrInferenceFailure, err)
		}
		frame = resized
	}

	img, err := gocv.NewMatFromBytes(frame.Height, frame.Width, gocv.MatTypeCV8UC3, frame.Pix)
	if err != nil {
		return model.Tensor{}, fmt.Errorf("frame %d to mat: %w: %w", frame.ID, model.ErrInferenceFailure, err)
	}
	defer img.Close() // Crucial to close the image to avoid memory leaks

	// the model wants RGB when SwapRB is set
	swapRB := (frame.Layout == model.LayoutBGR8) == svc.params.SwapRB
	blob := gocv.BlobFromImage(img, 1.0/255.0, image.Pt(frame.Width, frame.Height), gocv.NewScalar(0, 0, 0, 0), swapRB, false)
	defer blob.Close()

	if err := normalizeBlob(blob, frame.Width*frame.Height); err != nil {
		return model.Tensor{}, fmt.Errorf("normalizing frame %d: %w: %w", frame.ID, model.ErrInferenceFailure, err)
	}

	svc.net.SetInput(blob, "")
	output := svc.net.Forward("")
	defer output.Close()

	if err := ctx.Err(); err != nil {
		return model.Tensor{}, err
	}
	return svc.toTensor(output)
}

func normalizeBlob(blob gocv.Mat, plane int) error {
	data, err := blob.DataPtrFloat32()
	if err != nil {
		return err
	}
	if len(data) != 3*plane {
		return fmt.Errorf("blob holds %d values, expected %d", len(data), 3*plane)
	}
	for c := 0; c < 3; c++ {
		ch := data[c*plane : (c+1)*plane]
		for i := range ch {
			ch[i] = (ch[i] - onnxMean[c]) / onnxStd[c]
		}
	}
	return nil
}

func (svc *onnxService) toTensor(output gocv.Mat) (model.Tensor, error) {
	dims := output.Size()
	if len(dims) == 4 && dims[0] == 1 {
		dims = dims[1:]
	}
	if len(dims) != 3 {
		return model.Tensor{}, fmt.Errorf("unexpected dnn output dims %v: %w", output.Size(), model.ErrInferenceFailure)
	}
	if dims[0] != svc.shape.Classes {
		return model.Tensor{}, fmt.Errorf("model produced %d classes, declared %d: %w", dims[0], svc.shape.Classes, model.ErrInferenceFailure)
	}

	data, err := output.DataPtrFloat32()
	if err != nil {
		return model.Tensor{}, fmt.Errorf("reading dnn output: %w: %w", model.ErrInferenceFailure, err)
	}

	tensor := model.NewTensor(dims[0], dims[1], dims[2], svc.shape.Normalized)
	if len(data) != len(tensor.Data) {
		return model.Tensor{}, fmt.Errorf("dnn output holds %d values, expected %d: %w", len(data), len(tensor.Data), model.ErrInferenceFailure)
	}
	// data aliases the Mat, which is closed after this returns
	copy(tensor.Data, data)
	return tensor, nil
}

func (svc *onnxService) Close() error {
	lgr.Logger.Info("onnx model closed", slog.String("path", svc.path))
	return svc.net.Close()
}
