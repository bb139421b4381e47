package training

// ConfusionMatrix represents a confusion matrix for classification tasks
type ConfusionMatrix struct {
	NumClasses   int
	Matrix       [][]int // [true_class][predicted_class]
	TotalSamples int
}

// NewConfusionMatrix creates an empty matrix for the given class count.
func NewConfusionMatrix(numClasses int) *ConfusionMatrix {
	matrix := make([][]int, numClasses)
	for i := range matrix {
		matrix[i] = make([]int, numClasses)
	}
	return &ConfusionMatrix{
		NumClasses: numClasses,
		Matrix:     matrix,
	}
}

// Update records one prediction. Out-of-range classes are ignored.
func (cm *ConfusionMatrix) Update(trueClass, predClass int) {
	if trueClass < 0 || trueClass >= cm.NumClasses || predClass < 0 || predClass >= cm.NumClasses {
		return
	}
	cm.Matrix[trueClass][predClass]++
	cm.TotalSamples++
}

// Accuracy is the fraction of correct predictions.
func (cm *ConfusionMatrix) Accuracy() float64 {
	if cm.TotalSamples == 0 {
		return 0
	}
	correct := 0
	for i := 0; i < cm.NumClasses; i++ {
		correct += cm.Matrix[i][i]
	}
	return float64(correct) / float64(cm.TotalSamples)
}

// ClassPrecision is TP / (TP + FP) for one class; 0 when undefined.
func (cm *ConfusionMatrix) ClassPrecision(class int) float64 {
	tp := cm.Matrix[class][class]
	predicted := 0
	for i := 0; i < cm.NumClasses; i++ {
		predicted += cm.Matrix[i][class]
	}
	if predicted == 0 {
		return 0
	}
	return float64(tp) / float64(predicted)
}

// ClassRecall is TP / (TP + FN) for one class; 0 when undefined.
func (cm *ConfusionMatrix) ClassRecall(class int) float64 {
	tp := cm.Matrix[class][class]
	actual := cm.ClassSupport(class)
	if actual == 0 {
		return 0
	}
	return float64(tp) / float64(actual)
}

// ClassF1 is the harmonic mean of class precision and recall; 0 when undefined.
func (cm *ConfusionMatrix) ClassF1(class int) float64 {
	p := cm.ClassPrecision(class)
	r := cm.ClassRecall(class)
	if p+r == 0 {
		return 0
	}
	return 2 * p * r / (p + r)
}

// ClassSupport is the number of true samples of one class.
func (cm *ConfusionMatrix) ClassSupport(class int) int {
	support := 0
	for j := 0; j < cm.NumClasses; j++ {
		support += cm.Matrix[class][j]
	}
	return support
}

// Rows returns the matrix as plain slices for serialization.
func (cm *ConfusionMatrix) Rows() [][]int {
	out := make([][]int, cm.NumClasses)
	for i := range out {
		out[i] = append([]int(nil), cm.Matrix[i]...)
	}
	return out
}
