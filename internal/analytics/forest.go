package analytics

import (
	"fmt"
	"math"
	"math/rand"
	"sort"
)

// ForestParams are the hyper-parameters of a random forest regressor.
type ForestParams struct {
	Trees          int
	MaxDepth       int // 0 means unlimited
	MinSamplesLeaf int
	// MaxFeatures is the fraction of features considered at each split.
	MaxFeatures float64
}

// TreeNode is one node of a flattened regression tree. Leaves have Feature -1.
type TreeNode struct {
	Feature   int
	Threshold float64
	Left      int
	Right     int
	Value     float64
}

// RegressionTree is a CART tree stored as a node slice rooted at index 0.
type RegressionTree struct {
	Nodes []TreeNode
}

// RandomForest is an ensemble of bootstrapped regression trees.
type RandomForest struct {
	Params      ForestParams
	Trees       []RegressionTree
	Importances []float64
	Features    int
}

func (t *RegressionTree) predict(x []float64) float64 {
	i := 0
	for {
		node := t.Nodes[i]
		if node.Feature < 0 {
			return node.Value
		}
		if x[node.Feature] <= node.Threshold {
			i = node.Left
		} else {
			i = node.Right
		}
	}
}

// Predict averages the predictions of every tree.
func (f *RandomForest) Predict(x []float64) (float64, error) {
	if len(x) != f.Features {
		return 0, fmt.Errorf("random forest expects %d features, got %d", f.Features, len(x))
	}
	if len(f.Trees) == 0 {
		return 0, fmt.Errorf("random forest has no trees")
	}
	var sum float64
	for i := range f.Trees {
		sum += f.Trees[i].predict(x)
	}
	return sum / float64(len(f.Trees)), nil
}

type treeBuilder struct {
	X           [][]float64
	y           []float64
	params      ForestParams
	rng         *rand.Rand
	nodes       []TreeNode
	importances []float64
}

func sumStats(y []float64, idx []int) (sum, sumSq float64) {
	for _, i := range idx {
		sum += y[i]
		sumSq += y[i] * y[i]
	}
	return sum, sumSq
}

// sse is the sum of squared errors around the mean.
func sse(sum, sumSq float64, n int) float64 {
	if n == 0 {
		return 0
	}
	return sumSq - sum*sum/float64(n)
}

func (b *treeBuilder) leaf(idx []int) int {
	sum, _ := sumStats(b.y, idx)
	b.nodes = append(b.nodes, TreeNode{Feature: -1, Left: -1, Right: -1, Value: sum / float64(len(idx))})
	return len(b.nodes) - 1
}

func (b *treeBuilder) candidateFeatures(dim int) []int {
	k := int(math.Ceil(b.params.MaxFeatures * float64(dim)))
	if k < 1 {
		k = 1
	}
	if k > dim {
		k = dim
	}
	perm := b.rng.Perm(dim)
	return perm[:k]
}

func (b *treeBuilder) build(idx []int, depth int) int {
	minLeaf := b.params.MinSamplesLeaf
	if minLeaf < 1 {
		minLeaf = 1
	}
	if len(idx) < 2*minLeaf || (b.params.MaxDepth > 0 && depth >= b.params.MaxDepth) {
		return b.leaf(idx)
	}

	total, totalSq := sumStats(b.y, idx)
	parentErr := sse(total, totalSq, len(idx))
	if parentErr <= 1e-12 {
		return b.leaf(idx)
	}

	bestFeature, bestThreshold, bestErr := -1, 0.0, parentErr
	sorted := make([]int, len(idx))
	for _, f := range b.candidateFeatures(len(b.X[0])) {
		copy(sorted, idx)
		sort.Slice(sorted, func(a, c int) bool { return b.X[sorted[a]][f] < b.X[sorted[c]][f] })

		var leftSum, leftSq float64
		for pos := 0; pos < len(sorted)-1; pos++ {
			v := b.y[sorted[pos]]
			leftSum += v
			leftSq += v * v
			nLeft := pos + 1
			nRight := len(sorted) - nLeft
			if nLeft < minLeaf || nRight < minLeaf {
				continue
			}
			cur, next := b.X[sorted[pos]][f], b.X[sorted[pos+1]][f]
			if cur == next {
				continue
			}
			err := sse(leftSum, leftSq, nLeft) + sse(total-leftSum, totalSq-leftSq, nRight)
			if err < bestErr-1e-12 {
				bestFeature, bestThreshold, bestErr = f, (cur+next)/2, err
			}
		}
	}
	if bestFeature < 0 {
		return b.leaf(idx)
	}

	var left, right []int
	for _, i := range idx {
		if b.X[i][bestFeature] <= bestThreshold {
			left = append(left, i)
		} else {
			right = append(right, i)
		}
	}
	b.importances[bestFeature] += parentErr - bestErr

	self := len(b.nodes)
	b.nodes = append(b.nodes, TreeNode{Feature: bestFeature, Threshold: bestThreshold})
	l := b.build(left, depth+1)
	r := b.build(right, depth+1)
	b.nodes[self].Left = l
	b.nodes[self].Right = r
	return self
}

// fitForest trains a bootstrapped forest. The same seed yields the same forest.
func fitForest(X [][]float64, y []float64, params ForestParams, seed int64) (*RandomForest, error) {
	if len(X) == 0 || len(X) != len(y) {
		return nil, fmt.Errorf("cannot fit random forest on %d rows and %d targets", len(X), len(y))
	}
	if params.Trees < 1 {
		params.Trees = 1
	}
	if params.MaxFeatures <= 0 {
		params.MaxFeatures = 1
	}
	dim := len(X[0])
	rng := rand.New(rand.NewSource(seed))
	forest := &RandomForest{
		Params:      params,
		Trees:       make([]RegressionTree, 0, params.Trees),
		Importances: make([]float64, dim),
		Features:    dim,
	}

	for t := 0; t < params.Trees; t++ {
		sample := make([]int, len(X))
		for i := range sample {
			sample[i] = rng.Intn(len(X))
		}
		b := &treeBuilder{
			X:           X,
			y:           y,
			params:      params,
			rng:         rand.New(rand.NewSource(rng.Int63())),
			importances: make([]float64, dim),
		}
		b.build(sample, 0)
		forest.Trees = append(forest.Trees, RegressionTree{Nodes: b.nodes})

		var treeTotal float64
		for _, v := range b.importances {
			treeTotal += v
		}
		if treeTotal > 0 {
			for d, v := range b.importances {
				forest.Importances[d] += v / treeTotal
			}
		}
	}

	var total float64
	for _, v := range forest.Importances {
		total += v
	}
	if total > 0 {
		for d := range forest.Importances {
			forest.Importances[d] /= total
		}
	}
	return forest, nil
}

// forestSearchSpace is sampled without replacement by the randomized search.
var forestSearchSpace = struct {
	trees       []int
	maxDepth    []int
	minLeaf     []int
	maxFeatures []float64
}{
	trees:       []int{50, 100, 200},
	maxDepth:    []int{0, 3, 5, 8},
	minLeaf:     []int{1, 2, 4},
	maxFeatures: []float64{1.0, 0.7, 0.5},
}

func forestCandidates(draws int, rng *rand.Rand) []ForestParams {
	var all []ForestParams
	for _, t := range forestSearchSpace.trees {
		for _, d := range forestSearchSpace.maxDepth {
			for _, l := range forestSearchSpace.minLeaf {
				for _, f := range forestSearchSpace.maxFeatures {
					all = append(all, ForestParams{Trees: t, MaxDepth: d, MinSamplesLeaf: l, MaxFeatures: f})
				}
			}
		}
	}
	rng.Shuffle(len(all), func(i, j int) { all[i], all[j] = all[j], all[i] })
	if draws > len(all) {
		draws = len(all)
	}
	return all[:draws]
}

type cvFold struct {
	train, test []int
}

// timeSeriesSplit yields expanding-window folds: each fold trains on a prefix
// and tests on the block that immediately follows it.
func timeSeriesSplit(n, splits int) []cvFold {
	testSize := n / (splits + 1)
	if testSize < 1 {
		return nil
	}
	folds := make([]cvFold, 0, splits)
	for s := 0; s < splits; s++ {
		start := n - (splits-s)*testSize
		fold := cvFold{}
		for i := 0; i < start; i++ {
			fold.train = append(fold.train, i)
		}
		for i := start; i < start+testSize; i++ {
			fold.test = append(fold.test, i)
		}
		folds = append(folds, fold)
	}
	return folds
}

func subset(X [][]float64, y []float64, idx []int) ([][]float64, []float64) {
	xs := make([][]float64, len(idx))
	ys := make([]float64, len(idx))
	for j, i := range idx {
		xs[j] = X[i]
		ys[j] = y[i]
	}
	return xs, ys
}

// searchForest picks forest hyper-parameters by time-series cross validation
// and fits the winner on the full training set.
func searchForest(X [][]float64, y []float64, draws, splits int, seed int64) (*RandomForest, error) {
	rng := rand.New(rand.NewSource(seed))
	folds := timeSeriesSplit(len(X), splits)

	best := ForestParams{Trees: 100, MaxFeatures: 1, MinSamplesLeaf: 1}
	bestScore := math.Inf(-1)
	for _, params := range forestCandidates(draws, rng) {
		if len(folds) == 0 {
			break
		}
		var score float64
		for _, fold := range folds {
			trX, trY := subset(X, y, fold.train)
			teX, teY := subset(X, y, fold.test)
			forest, err := fitForest(trX, trY, params, seed)
			if err != nil {
				return nil, err
			}
			preds := make([]float64, len(teX))
			for i, x := range teX {
				if preds[i], err = forest.Predict(x); err != nil {
					return nil, err
				}
			}
			score += rSquared(preds, teY)
		}
		score /= float64(len(folds))
		if score > bestScore {
			best, bestScore = params, score
		}
	}
	return fitForest(X, y, best, seed)
}
