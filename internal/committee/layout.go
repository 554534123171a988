package committee

import (
	"fmt"

	"github.com/corvohq/dagbench/internal/config"
)

// Layout assigns hosts to role instances. When collocated, node i runs its
// primary and all its workers on hosts[i]. Otherwise node i owns the block
// hosts[i*(1+workers) : (i+1)*(1+workers)], primary first, so truncating
// the committee never moves a role instance to another host.
func Layout(hosts []config.Host, nodes, workers int, collocate bool) ([][]string, error) {
	if nodes < 1 || workers < 1 {
		return nil, fmt.Errorf("layout: need at least one node and one worker, got %d/%d", nodes, workers)
	}
	need := nodes
	if !collocate {
		need = nodes * (1 + workers)
	}
	if len(hosts) < need {
		return nil, fmt.Errorf("layout: need %d hosts, have %d", need, len(hosts))
	}

	out := make([][]string, 0, nodes)
	for i := 0; i < nodes; i++ {
		row := make([]string, 0, 1+workers)
		if collocate {
			ip := hosts[i].IP()
			for j := 0; j <= workers; j++ {
				row = append(row, ip)
			}
		} else {
			base := i * (1 + workers)
			for j := 0; j <= workers; j++ {
				row = append(row, hosts[base+j].IP())
			}
		}
		out = append(out, row)
	}
	return out, nil
}
