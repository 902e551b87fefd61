package raid

import "math/rand/v2"

// Challenge is a coding puzzle a raid party solves together.
type Challenge struct {
	Code string
	// Solution is the reference fix for the puzzle.
	Solution string
}

// Challenges is the fixed catalog raids draw from.
var Challenges = []Challenge{
	{
		Code: `// Challenge: Fix the bug in this function
// It should return the sum of all even numbers in the array

function sumEvenNumbers(arr) {
  let sum = 0;
  for (let i = 0; i <= arr.length; i++) {
    if (arr[i] % 2 === 0) {
      sum += arr[i];
    }
  }
  return sum;
}

// Test: sumEvenNumbers([1, 2, 3, 4, 5, 6]) should return 12`,
		Solution: "i < arr.length",
	},
	{
		Code: `// Challenge: Complete the function
// It should reverse a string without using .reverse()

function reverseString(str) {
  let reversed = '';
  // Your code here

  return reversed;
}

// Test: reverseString("hello") should return "olleh"`,
		Solution: "for",
	},
	{
		Code: "// Challenge: Fix the async bug\n" +
			"// The function should wait for the data before returning\n" +
			"\n" +
			"async function fetchUserData(userId) {\n" +
			"  const response = fetch(`/api/users/${userId}`);\n" +
			"  const data = response.json();\n" +
			"  return data;\n" +
			"}\n" +
			"\n" +
			"// Hint: Something is missing before fetch and response.json()",
		Solution: "await",
	},
}

// ChallengePicker chooses the challenge for a new raid.
type ChallengePicker interface {
	Pick() Challenge
}

// ChallengePickerFunc adapts a function to ChallengePicker.
type ChallengePickerFunc func() Challenge

func (f ChallengePickerFunc) Pick() Challenge {
	return f()
}

// RandomPicker draws uniformly from Challenges.
type RandomPicker struct{}

func (RandomPicker) Pick() Challenge {
	return Challenges[rand.IntN(len(Challenges))]
}

// IsCatalogChallenge reports whether code is one of the catalog challenges.
func IsCatalogChallenge(code string) bool {
	for _, challenge := range Challenges {
		if challenge.Code == code {
			return true
		}
	}
	return false
}
