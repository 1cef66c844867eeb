package delegation

// OrderSequential 给任务集排出串行执行顺序
// 按依赖做稳定拓扑排序：无依赖的按输入序先出，指向集合外的依赖忽略，
// 依赖成环时返回 ErrDependencyCycle。
func OrderSequential(tasks []Task) ([]Task, error) {
	index := make(map[string]int, len(tasks))
	for i, t := range tasks {
		index[t.ID] = i
	}

	indegree := make([]int, len(tasks))
	dependents := make(map[int][]int, len(tasks))
	for i, t := range tasks {
		for _, dep := range t.DependsOn {
			j, ok := index[dep]
			if !ok || j == i {
				continue
			}
			indegree[i]++
			dependents[j] = append(dependents[j], i)
		}
	}

	queue := make([]int, 0, len(tasks))
	for i := range tasks {
		if indegree[i] == 0 {
			queue = append(queue, i)
		}
	}

	out := make([]Task, 0, len(tasks))
	for len(queue) > 0 {
		i := queue[0]
		queue = queue[1:]
		out = append(out, tasks[i])
		for _, j := range dependents[i] {
			indegree[j]--
			if indegree[j] == 0 {
				queue = append(queue, j)
			}
		}
	}

	if len(out) != len(tasks) {
		return nil, ErrDependencyCycle
	}
	return out, nil
}
