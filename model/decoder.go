package model

import (
	"math"

	"github.com/pkg/errors"

	"github.com/tsawler/logsentinel/tensor"
)

// maskedScore is the additive penalty for disallowed attention positions.
const maskedScore = -1e9

// AdapterConfig carries the low-rank adaptation hyperparameters applied to the
// decoder's query and value projections.
type AdapterConfig struct {
	Rank    int
	Alpha   float64
	Dropout float64
}

// DefaultAdapterConfig mirrors the usual r=8, alpha=16 setup.
func DefaultAdapterConfig() AdapterConfig {
	return AdapterConfig{Rank: 8, Alpha: 16, Dropout: 0.1}
}

// DecoderLayer is one pre-norm causal self-attention block. The base weights
// are frozen; only the adapters on the query and value projections train.
type DecoderLayer struct {
	attnNorm *tensor.Tensor
	qProj    *LoRALinear
	kProj    *Linear
	vProj    *LoRALinear
	oProj    *Linear

	ffnNorm *tensor.Tensor
	ffnUp   *Linear
	ffnDown *Linear

	width    int
	training bool
}

func newDecoderLayer(width int, adapter AdapterConfig, device tensor.DeviceType) (*DecoderLayer, error) {
	attnNorm, err := tensor.Ones([]int{width}, tensor.Float32, device)
	if err != nil {
		return nil, err
	}
	ffnNorm, err := tensor.Ones([]int{width}, tensor.Float32, device)
	if err != nil {
		return nil, err
	}

	qProj, err := NewLoRALinear(width, width, adapter.Rank, adapter.Alpha, adapter.Dropout, device)
	if err != nil {
		return nil, errors.Wrap(err, "query projection")
	}
	vProj, err := NewLoRALinear(width, width, adapter.Rank, adapter.Alpha, adapter.Dropout, device)
	if err != nil {
		return nil, errors.Wrap(err, "value projection")
	}
	kProj, err := NewLinear(width, width, false, device)
	if err != nil {
		return nil, errors.Wrap(err, "key projection")
	}
	oProj, err := NewLinear(width, width, false, device)
	if err != nil {
		return nil, errors.Wrap(err, "output projection")
	}
	ffnUp, err := NewLinear(width, 4*width, true, device)
	if err != nil {
		return nil, errors.Wrap(err, "ffn up projection")
	}
	ffnDown, err := NewLinear(4*width, width, true, device)
	if err != nil {
		return nil, errors.Wrap(err, "ffn down projection")
	}

	// Frozen backbone: everything except the adapters.
	kProj.Freeze()
	oProj.Freeze()
	ffnUp.Freeze()
	ffnDown.Freeze()

	return &DecoderLayer{
		attnNorm: attnNorm,
		qProj:    qProj,
		kProj:    kProj,
		vProj:    vProj,
		oProj:    oProj,
		ffnNorm:  ffnNorm,
		ffnUp:    ffnUp,
		ffnDown:  ffnDown,
		width:    width,
		training: true,
	}, nil
}

// forward runs one block over hidden [batch, seq, width] with an additive
// attention mask [batch, seq, seq].
func (dl *DecoderLayer) forward(hidden, attnMask *tensor.Tensor) (*tensor.Tensor, error) {
	normed, err := tensor.RMSNormAutograd(hidden, dl.attnNorm)
	if err != nil {
		return nil, err
	}

	q, err := dl.qProj.Forward(normed)
	if err != nil {
		return nil, err
	}
	k, err := dl.kProj.Forward(normed)
	if err != nil {
		return nil, err
	}
	v, err := dl.vProj.Forward(normed)
	if err != nil {
		return nil, err
	}

	kT, err := tensor.TransposeLast2Autograd(k)
	if err != nil {
		return nil, err
	}
	scores, err := tensor.BatchedMatMulAutograd(q, kT)
	if err != nil {
		return nil, err
	}
	scores, err = tensor.ScaleAutograd(scores, 1.0/math.Sqrt(float64(dl.width)))
	if err != nil {
		return nil, err
	}
	scores, err = tensor.AddAutograd(scores, attnMask)
	if err != nil {
		return nil, err
	}
	attn, err := tensor.SoftmaxAutograd(scores)
	if err != nil {
		return nil, err
	}
	context, err := tensor.BatchedMatMulAutograd(attn, v)
	if err != nil {
		return nil, err
	}
	attnOut, err := dl.oProj.Forward(context)
	if err != nil {
		return nil, err
	}
	hidden, err = tensor.AddAutograd(hidden, attnOut)
	if err != nil {
		return nil, err
	}

	normed, err = tensor.RMSNormAutograd(hidden, dl.ffnNorm)
	if err != nil {
		return nil, err
	}
	up, err := dl.ffnUp.Forward(normed)
	if err != nil {
		return nil, err
	}
	up, err = tensor.GELUAutograd(up)
	if err != nil {
		return nil, err
	}
	down, err := dl.ffnDown.Forward(up)
	if err != nil {
		return nil, err
	}
	return tensor.AddAutograd(hidden, down)
}

// AdapterParameters returns the layer's trainable adapter matrices.
func (dl *DecoderLayer) AdapterParameters() []*tensor.Tensor {
	params := dl.qProj.Parameters()
	return append(params, dl.vProj.Parameters()...)
}

func (dl *DecoderLayer) QueryAdapter() *LoRALinear { return dl.qProj }
func (dl *DecoderLayer) ValueAdapter() *LoRALinear { return dl.vProj }

// Decoder is a stack of causal self-attention layers with a final norm.
type Decoder struct {
	layers    []*DecoderLayer
	finalNorm *tensor.Tensor
	width     int
	training  bool
}

// NewDecoder builds numLayers pre-norm blocks of the given width.
func NewDecoder(width, numLayers int, adapter AdapterConfig, device tensor.DeviceType) (*Decoder, error) {
	if width <= 0 || numLayers <= 0 {
		return nil, errors.Errorf("invalid decoder dimensions: width %d, layers %d", width, numLayers)
	}
	layers := make([]*DecoderLayer, numLayers)
	for i := range layers {
		layer, err := newDecoderLayer(width, adapter, device)
		if err != nil {
			return nil, err
		}
		layers[i] = layer
	}
	finalNorm, err := tensor.Ones([]int{width}, tensor.Float32, device)
	if err != nil {
		return nil, err
	}
	return &Decoder{
		layers:    layers,
		finalNorm: finalNorm,
		width:     width,
		training:  true,
	}, nil
}

// buildAttentionMask combines the causal constraint with the padding mask
// [batch, seq] into an additive [batch, seq, seq] score mask.
func buildAttentionMask(padMask *tensor.Tensor) (*tensor.Tensor, error) {
	pad, err := padMask.GetFloat32Data()
	if err != nil {
		return nil, err
	}
	batch, seq := padMask.Shape[0], padMask.Shape[1]
	data := make([]float32, batch*seq*seq)
	for b := 0; b < batch; b++ {
		for t := 0; t < seq; t++ {
			for j := 0; j < seq; j++ {
				if j > t || pad[b*seq+j] == 0 {
					data[(b*seq+t)*seq+j] = maskedScore
				}
			}
		}
	}
	return tensor.NewTensor([]int{batch, seq, seq}, tensor.Float32, padMask.Device, data)
}

// Forward runs the stack over hidden [batch, seq, width], attending only to
// earlier, non-padding positions as given by padMask [batch, seq].
func (d *Decoder) Forward(hidden, padMask *tensor.Tensor) (*tensor.Tensor, error) {
	attnMask, err := buildAttentionMask(padMask)
	if err != nil {
		return nil, err
	}
	for _, layer := range d.layers {
		hidden, err = layer.forward(hidden, attnMask)
		if err != nil {
			return nil, err
		}
	}
	return tensor.RMSNormAutograd(hidden, d.finalNorm)
}

// AdapterParameters returns all trainable adapter matrices across layers.
func (d *Decoder) AdapterParameters() []*tensor.Tensor {
	var params []*tensor.Tensor
	for _, layer := range d.layers {
		params = append(params, layer.AdapterParameters()...)
	}
	return params
}

func (d *Decoder) Width() int { return d.width }

func (d *Decoder) Layers() []*DecoderLayer { return d.layers }

func (d *Decoder) Train() {
	d.training = true
	for _, layer := range d.layers {
		layer.training = true
		layer.qProj.Train()
		layer.vProj.Train()
	}
}

func (d *Decoder) Eval() {
	d.training = false
	for _, layer := range d.layers {
		layer.training = false
		layer.qProj.Eval()
		layer.vProj.Eval()
	}
}

func (d *Decoder) IsTraining() bool { return d.training }
