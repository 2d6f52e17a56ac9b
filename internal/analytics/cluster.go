package analytics

import (
	"math"
	"math/rand"
	"sort"

	"github.com/irfndi/vitals-analytics-go/internal/models"
)

const (
	clusterSeed          = 42
	clusterRestarts      = 10
	clusterMaxIterations = 300
	clusterMinK          = 2
	clusterTolerance     = 1e-9
)

// ClusterFeatures is the fixed feature set used for behavioral clustering.
var ClusterFeatures = []string{
	"steps",
	"sleep_score",
	"mood",
	"energy",
	"resting_heart_rate",
	"stress_avg",
}

type kmeansResult struct {
	labels  []int
	inertia float64
}

func sqDist(a, b []float64) float64 {
	var d float64
	for i := range a {
		diff := a[i] - b[i]
		d += diff * diff
	}
	return d
}

// kmeansPlusPlus seeds centroids with probability proportional to squared distance.
func kmeansPlusPlus(points [][]float64, k int, rng *rand.Rand) [][]float64 {
	centroids := make([][]float64, 0, k)
	first := points[rng.Intn(len(points))]
	centroids = append(centroids, append([]float64(nil), first...))

	dists := make([]float64, len(points))
	for len(centroids) < k {
		var total float64
		for i, p := range points {
			best := math.Inf(1)
			for _, c := range centroids {
				best = math.Min(best, sqDist(p, c))
			}
			dists[i] = best
			total += best
		}

		next := len(points) - 1
		if total > 0 {
			target := rng.Float64() * total
			var acc float64
			for i, d := range dists {
				acc += d
				if acc >= target {
					next = i
					break
				}
			}
		} else {
			next = rng.Intn(len(points))
		}
		centroids = append(centroids, append([]float64(nil), points[next]...))
	}
	return centroids
}

func kmeansOnce(points [][]float64, k int, rng *rand.Rand) kmeansResult {
	centroids := kmeansPlusPlus(points, k, rng)
	labels := make([]int, len(points))
	dim := len(points[0])

	for iter := 0; iter < clusterMaxIterations; iter++ {
		for i, p := range points {
			best, bestDist := 0, math.Inf(1)
			for c, centroid := range centroids {
				if d := sqDist(p, centroid); d < bestDist {
					best, bestDist = c, d
				}
			}
			labels[i] = best
		}

		sums := make([][]float64, k)
		counts := make([]int, k)
		for c := range sums {
			sums[c] = make([]float64, dim)
		}
		for i, p := range points {
			counts[labels[i]]++
			for d, v := range p {
				sums[labels[i]][d] += v
			}
		}

		var shift float64
		for c := range centroids {
			if counts[c] == 0 {
				// Re-seed an empty cluster on the point farthest from its centroid.
				far, farDist := 0, -1.0
				for i, p := range points {
					if d := sqDist(p, centroids[labels[i]]); d > farDist {
						far, farDist = i, d
					}
				}
				next := append([]float64(nil), points[far]...)
				shift += sqDist(centroids[c], next)
				centroids[c] = next
				continue
			}
			next := make([]float64, dim)
			for d := range next {
				next[d] = sums[c][d] / float64(counts[c])
			}
			shift += sqDist(centroids[c], next)
			centroids[c] = next
		}
		if shift <= clusterTolerance {
			break
		}
	}

	var inertia float64
	for i, p := range points {
		best, bestDist := 0, math.Inf(1)
		for c, centroid := range centroids {
			if d := sqDist(p, centroid); d < bestDist {
				best, bestDist = c, d
			}
		}
		labels[i] = best
		inertia += bestDist
	}
	return kmeansResult{labels: labels, inertia: inertia}
}

// kmeans runs several seeded restarts and keeps the lowest-inertia labelling.
func kmeans(points [][]float64, k int) []int {
	rng := rand.New(rand.NewSource(clusterSeed))
	var best *kmeansResult
	for r := 0; r < clusterRestarts; r++ {
		res := kmeansOnce(points, k, rng)
		if best == nil || res.inertia < best.inertia {
			best = &res
		}
	}
	return best.labels
}

// standardize z-scores each column using the population standard deviation.
func standardize(matrix [][]float64) [][]float64 {
	if len(matrix) == 0 {
		return nil
	}
	dim := len(matrix[0])
	out := make([][]float64, len(matrix))
	for i := range out {
		out[i] = make([]float64, dim)
	}
	col := make([]float64, len(matrix))
	for d := 0; d < dim; d++ {
		for i, row := range matrix {
			col[i] = row[d]
		}
		m := mean(col)
		s := populationStd(col)
		if s == 0 {
			s = 1
		}
		for i := range matrix {
			out[i][d] = (matrix[i][d] - m) / s
		}
	}
	return out
}

// Cluster groups complete days into k behavioral clusters.
func Cluster(rows []models.DailyMetricRow, k int) models.ClusterResult {
	if k < clusterMinK {
		k = clusterMinK
	}

	var matrix [][]float64
	var days []string
	for _, row := range rows {
		vec := make([]float64, 0, len(ClusterFeatures))
		for _, f := range ClusterFeatures {
			v, _ := rowField(row, f)
			if v == nil {
				break
			}
			vec = append(vec, *v)
		}
		if len(vec) != len(ClusterFeatures) {
			continue
		}
		matrix = append(matrix, vec)
		days = append(days, models.DayKey(dayOf(row.Day)))
	}

	result := models.ClusterResult{
		K:        k,
		Rows:     len(matrix),
		Clusters: []models.ClusterAssignment{},
		Status:   models.StatusOK,
	}
	if len(matrix) < k {
		result.Status = models.StatusInsufficientData
		result.Reason = models.ReasonInsufficientCompleteRows
		result.MinRequired = k
		return result
	}

	labels := kmeans(standardize(matrix), k)

	members := make([][]int, k)
	for i, l := range labels {
		members[l] = append(members[l], i)
	}
	// Stable ids: largest cluster first, ties broken by earliest member.
	order := make([]int, 0, k)
	for c := range members {
		if len(members[c]) > 0 {
			order = append(order, c)
		}
	}
	sort.SliceStable(order, func(a, b int) bool {
		ma, mb := members[order[a]], members[order[b]]
		if len(ma) != len(mb) {
			return len(ma) > len(mb)
		}
		return ma[0] < mb[0]
	})

	rhrIdx := featureIndex("resting_heart_rate")
	rhrCol := make([]float64, len(matrix))
	for i := range matrix {
		rhrCol[i] = matrix[i][rhrIdx]
	}
	rhrMean := mean(rhrCol)

	for id, c := range order {
		idx := members[c]
		assignment := models.ClusterAssignment{
			ID:         id,
			Size:       len(idx),
			Percentage: round(float64(len(idx))/float64(len(matrix))*100, 2),
			Features:   make(map[string]models.FeatureStats, len(ClusterFeatures)),
			Days:       make([]string, 0, len(idx)),
		}
		means := make(map[string]float64, len(ClusterFeatures))
		for d, f := range ClusterFeatures {
			col := make([]float64, len(idx))
			for j, i := range idx {
				col[j] = matrix[i][d]
			}
			lo, hi := col[0], col[0]
			for _, v := range col {
				lo, hi = math.Min(lo, v), math.Max(hi, v)
			}
			m := mean(col)
			means[f] = m
			assignment.Features[f] = models.FeatureStats{
				Mean: round(m, 2),
				Std:  round(sampleStd(col), 2),
				Min:  round(lo, 2),
				Max:  round(hi, 2),
			}
		}
		for _, i := range idx {
			assignment.Days = append(assignment.Days, days[i])
		}
		assignment.Tags = clusterTags(means, rhrMean)
		result.Clusters = append(result.Clusters, assignment)
	}
	return result
}

func featureIndex(name string) int {
	for i, f := range ClusterFeatures {
		if f == name {
			return i
		}
	}
	return -1
}

func clusterTags(means map[string]float64, rhrMean float64) []string {
	tags := []string{}
	switch steps := means["steps"]; {
	case steps > 12000:
		tags = append(tags, "high activity days")
	case steps < 5000:
		tags = append(tags, "low activity days")
	}
	switch sleep := means["sleep_score"]; {
	case sleep >= 80:
		tags = append(tags, "restorative sleep")
	case sleep < 60:
		tags = append(tags, "poor sleep")
	}
	switch mood := means["mood"]; {
	case mood >= 4:
		tags = append(tags, "good mood")
	case mood <= 2:
		tags = append(tags, "low mood")
	}
	switch energy := means["energy"]; {
	case energy >= 4:
		tags = append(tags, "high energy")
	case energy <= 2:
		tags = append(tags, "low energy")
	}
	switch stress := means["stress_avg"]; {
	case stress > 50:
		tags = append(tags, "high stress")
	case stress < 25:
		tags = append(tags, "calm days")
	}
	if means["resting_heart_rate"] >= rhrMean+3 {
		tags = append(tags, "elevated resting heart rate")
	}
	return tags
}
